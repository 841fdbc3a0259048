// Package decisionlog persists governor events to SQLite as a diagnostic
// trail. Events are queued from the session loops and written in batches
// by one goroutine; nothing is ever read back into a session.
package decisionlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/playguard/dbopen"
	"github.com/hazyhaar/playguard/governor"
	"github.com/hazyhaar/playguard/idgen"
)

// Schema creates the decisions table.
const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id        TEXT PRIMARY KEY,
	page      TEXT NOT NULL,
	session   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	video_id  TEXT NOT NULL DEFAULT '',
	source    TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT '',
	at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_page_at ON decisions(page, at);
CREATE INDEX IF NOT EXISTS idx_decisions_kind ON decisions(kind);
`

const insertSQL = `INSERT INTO decisions (id, page, session, kind, video_id, source, detail, at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const maxBatch = 100

// Entry is one persisted decision.
type Entry struct {
	ID   string `json:"id"`
	Page string `json:"page"`
	governor.Event
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Page    string
	Session string
	Kind    governor.Kind
	Since   time.Time
	Limit   int // default 100
}

// Config configures a Log.
type Config struct {
	// Buffer is the queue capacity. Default: 1024.
	Buffer int
	// FlushInterval bounds how long a queued entry waits. Default: 1s.
	FlushInterval time.Duration
	NewID         idgen.Generator
	Logger        *slog.Logger
}

// Log is an asynchronous SQLite decision log.
type Log struct {
	db      *sql.DB
	ownsDB  bool
	cfg     Config
	ch      chan Entry
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

// Open opens (or creates) the database at path and starts the writer.
func Open(path string, cfg Config) (*Log, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("decisionlog: %w", err)
	}
	l := New(db, cfg)
	l.ownsDB = true
	return l, nil
}

// New starts a writer on db, which must already carry Schema.
func New(db *sql.DB, cfg Config) *Log {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Log{
		db:   db,
		cfg:  cfg,
		ch:   make(chan Entry, cfg.Buffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Recorder returns a governor.Recorder that tags events with page.
// Record never blocks: when the queue is full the event is dropped and
// counted.
func (l *Log) Recorder(page string) governor.Recorder {
	return governor.RecorderFunc(func(e governor.Event) {
		l.enqueue(Entry{ID: l.cfg.NewID(), Page: page, Event: e})
	})
}

func (l *Log) enqueue(e Entry) {
	select {
	case <-l.stop:
		return
	default:
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
		l.cfg.Logger.Warn("decisionlog: buffer full, event dropped", "page", e.Page, "kind", e.Kind)
	}
}

// Dropped reports how many events were lost to a full queue.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Query returns entries matching f, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, page, session, kind, video_id, source, detail, at FROM decisions WHERE 1=1`
	var args []any
	if f.Page != "" {
		q += " AND page = ?"
		args = append(args, f.Page)
	}
	if f.Session != "" {
		q += " AND session = ?"
		args = append(args, f.Session)
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		q += " AND at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("decisionlog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Page, &e.Session, &kind, &e.VideoID, &e.Source, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("decisionlog: scan: %w", err)
		}
		e.Kind = governor.Kind(kind)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than before.
func (l *Log) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM decisions WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("decisionlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue, stops the writer and closes the database if
// Open created it.
func (l *Log) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
	}
	close(l.stop)
	<-l.done
	if l.ownsDB {
		return l.db.Close()
	}
	return nil
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]Entry, 0, maxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.write(batch); err != nil {
			l.cfg.Logger.Error("decisionlog: flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Log) write(batch []Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Page, e.Session, string(e.Kind), e.VideoID, e.Source, e.Detail, e.At.UnixMilli(),
		); err != nil {
			l.cfg.Logger.Error("decisionlog: insert", "error", err, "id", e.ID)
		}
	}
	return tx.Commit()
}
