package playguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/playguard/decisionlog"
	"github.com/hazyhaar/playguard/governor"
)

const maxRequestBody = 64 << 10

// Handler returns the admin API:
//
//	GET  /healthz
//	GET  /sessions
//	GET  /sessions/{pageID}
//	POST /sessions            {"id": "...", "url": "..."}
//	DELETE /sessions/{pageID}
//	GET  /decisions?page=&session=&kind=&since=&limit=
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s))
	r.Use(middleware.NoCache)
	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.RequestSize(maxRequestBody))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.Sessions())})
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleObserve)
		r.Get("/{pageID}", s.handleGetSession)
		r.Delete("/{pageID}", s.handleUnobserve)
	})
	r.Get("/decisions", s.handleDecisions)
	return r
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Session(chi.URLParam(r, "pageID"))
	if !ok {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req PageConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	// The page outlives the request.
	info, err := s.Observe(context.WithoutCancel(r.Context()), req)
	switch {
	case errors.Is(err, ErrPageExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Service) handleUnobserve(w http.ResponseWriter, r *http.Request) {
	if err := s.Unobserve(chi.URLParam(r, "pageID")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.dlog == nil {
		writeError(w, http.StatusNotFound, "decision log disabled")
		return
	}
	q := r.URL.Query()
	f := decisionlog.Filter{
		Page:    q.Get("page"),
		Session: q.Get("session"),
		Kind:    governor.Kind(q.Get("kind")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: want RFC 3339")
			return
		}
		f.Since = ts
	}
	entries, err := s.dlog.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []decisionlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func requestLogger(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			s.logger.Debug("playguard: admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
