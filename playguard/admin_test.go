package playguard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/playguard/dbopen"
	"github.com/hazyhaar/playguard/decisionlog"
	"github.com/hazyhaar/playguard/governor"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Sessions(t *testing.T) {
	s, _ := startService(t, newFakePages())
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d, want 200", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/sessions", `{"id":"feed","url":"https://example.com/home"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /sessions: got %d (%s), want 201", rec.Code, rec.Body)
	}
	var created SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.PageID != "feed" || created.Session == "" {
		t.Fatalf("created: got %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/sessions", `{"id":"feed","url":"x"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: got %d, want 409", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/sessions", `{"id":"nourl"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url: got %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/sessions", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: got %d, want 400", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/sessions", "")
	var list []SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].URL != "https://example.com/home" {
		t.Fatalf("list: got %+v", list)
	}

	if rec := do(t, h, http.MethodGet, "/sessions/feed", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /sessions/feed: got %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/sessions/ghost", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET unknown: got %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/feed", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE: got %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/sessions/feed", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE: got %d, want 404", rec.Code)
	}
}

func TestAdmin_DecisionsDisabled(t *testing.T) {
	s, _ := startService(t, newFakePages())
	if rec := do(t, s.Handler(), http.MethodGet, "/decisions", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("decisions without log: got %d, want 404", rec.Code)
	}
}

func TestAdmin_Decisions(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(decisionlog.Schema))
	dlog := decisionlog.New(db, decisionlog.Config{Logger: discard()})
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	dlog.Recorder("feed").Record(governor.Event{Session: "s1", Kind: governor.KindPauseIssued, VideoID: "v1", At: base})
	dlog.Recorder("feed").Record(governor.Event{Session: "s1", Kind: governor.KindIntentGranted, VideoID: "v2", At: base.Add(time.Minute)})
	dlog.Recorder("other").Record(governor.Event{Session: "s2", Kind: governor.KindPauseIssued, VideoID: "v1", At: base})
	if err := dlog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, _ := startService(t, newFakePages(), WithDecisionLog(dlog))
	h := s.Handler()

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"/decisions", http.StatusOK, 3},
		{"/decisions?page=feed", http.StatusOK, 2},
		{"/decisions?page=feed&kind=pause_issued", http.StatusOK, 1},
		{"/decisions?limit=1", http.StatusOK, 1},
		{"/decisions?since=2026-01-02T03:05:00Z", http.StatusOK, 1},
		{"/decisions?page=none", http.StatusOK, 0},
		{"/decisions?limit=abc", http.StatusBadRequest, 0},
		{"/decisions?since=yesterday", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.query, "")
		if rec.Code != tt.code {
			t.Errorf("%s: got %d, want %d", tt.query, rec.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		var got []decisionlog.Entry
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("%s: decode: %v", tt.query, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d entries, want %d", tt.query, len(got), tt.want)
		}
	}
}

func TestAdmin_Headers(t *testing.T) {
	s, _ := startService(t, newFakePages())
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q, want nosniff", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", got)
	}

	big := `{"url":"` + strings.Repeat("x", maxRequestBody) + `"}`
	if rec := do(t, s.Handler(), http.MethodPost, "/sessions", big); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body: got %d, want 400", rec.Code)
	}
}
