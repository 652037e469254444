// Package recorder keeps an optional write-only sqlite log of pipeline
// activity: presented frames, applied transcripts and hard resets. Nothing
// is ever read back into the pipeline.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/voicelens/internal/vision/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("recorder closed")

// Ensure Recorder satisfies the pipeline's recorder hook.
var _ pipeline.Recorder = (*Recorder)(nil)

// row is one queued write.
type row interface {
	insert(ctx context.Context, db *sql.DB) error
}

type frameRow pipeline.FrameRecord
type transcriptRow pipeline.TranscriptRecord
type resetRow pipeline.ResetRecord

// barrier is queued by Flush; the worker closes done when it reaches it.
type barrier struct{ done chan struct{} }

// Recorder writes pipeline records through a bounded queue drained by one
// worker goroutine. When the queue is full, records are dropped and counted.
type Recorder struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	queue  chan any
	closed bool
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Open opens (creating if needed) the sqlite database at path, brings its
// schema up to date and starts the write worker.
func Open(path string, queueSize int) (*Recorder, error) {
	if queueSize < 1 {
		queueSize = 1
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY to the worker.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:    db,
		path:  path,
		queue: make(chan any, queueSize),
	}
	r.wg.Add(1)
	go r.worker()
	diagf("recording session log to %s (queue %d)", path, queueSize)
	return r, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: m is not closed because that would close db.
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	diagf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// RecordFrame queues a frame row.
func (r *Recorder) RecordFrame(rec pipeline.FrameRecord) { r.enqueue(frameRow(rec)) }

// RecordTranscript queues a transcript row.
func (r *Recorder) RecordTranscript(rec pipeline.TranscriptRecord) {
	rec.Targets = append([]string(nil), rec.Targets...)
	r.enqueue(transcriptRow(rec))
}

// RecordReset queues a reset row.
func (r *Recorder) RecordReset(rec pipeline.ResetRecord) { r.enqueue(resetRow(rec)) }

func (r *Recorder) enqueue(v row) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- v:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			opsf("queue full, dropped %d records so far", n)
		}
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	ctx := context.Background()

	for item := range r.queue {
		switch v := item.(type) {
		case barrier:
			close(v.done)
		case row:
			if err := v.insert(ctx, r.db); err != nil {
				r.failed.Add(1)
				opsf("write %T: %v", v, err)
				continue
			}
			r.written.Add(1)
			tracef("wrote %T", v)
		}
	}
}

// Flush blocks until every record queued before the call is written.
func (r *Recorder) Flush(ctx context.Context) error {
	b := barrier{done: make(chan struct{})}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	select {
	case r.queue <- b:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	diagf("closed: written=%d dropped=%d failed=%d", r.written.Load(), r.dropped.Load(), r.failed.Load())
	return r.db.Close()
}

// DB exposes the underlying database for read-only debugging.
func (r *Recorder) DB() *sql.DB { return r.db }

// Stats contains recorder counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

// Stats returns current recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Queued:  len(r.queue),
	}
}

// AttachAdminRoutes mounts a tailsql console for the session log on the
// tsweb debug index of mux.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+r.path, r.db, &tailsql.DBOptions{
		Label: "Session log",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}

func (f frameRow) insert(ctx context.Context, db *sql.DB) error {
	var failure sql.NullString
	if f.Failure != "" {
		failure = sql.NullString{String: f.Failure, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO frames (recorded_at, generation, seq, detections, rendered, tracks, latency_ms, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.At.UTC().Format(time.RFC3339Nano), int64(f.Generation), int64(f.Seq),
		f.Detections, f.Rendered, f.Tracks,
		float64(f.Latency)/float64(time.Millisecond), failure,
	)
	return err
}

func (t transcriptRow) insert(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transcripts (recorded_at, text, targets, cleared)
		VALUES (?, ?, ?, ?)`,
		t.At.UTC().Format(time.RFC3339Nano), t.Text, strings.Join(t.Targets, " "), t.Cleared,
	)
	return err
}

func (rs resetRow) insert(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO resets (recorded_at, generation, reason, camera)
		VALUES (?, ?, ?, ?)`,
		rs.At.UTC().Format(time.RFC3339Nano), int64(rs.Generation), rs.Reason, string(rs.Camera),
	)
	return err
}
