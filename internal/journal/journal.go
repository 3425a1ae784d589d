// Package journal persists one row per generation in a SQLite database. It
// plugs into the orchestrator as a generation.EventPublisher: the start event
// inserts a row and the end event completes it. Writes happen on a background
// goroutine so Publish never blocks a worker.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"localllm/internal/generation"
	"localllm/pkg/types"
)

const queueSize = 256

// Store wraps a SQLite database of generation records.
type Store struct {
	db        *sql.DB
	insert    *sql.Stmt
	finish    *sql.Stmt
	recent    *sql.Stmt
	get       *sql.Stmt
	log       zerolog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu     sync.RWMutex // guards queue sends against close
	queue  chan op
	closed bool
}

// op is one queued write, or a flush barrier when done is set.
type op struct {
	ev   generation.LifecycleEvent
	done chan struct{}
}

// Open opens (and initializes) the journal at path. A nil logger disables
// logging of write failures.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, queue: make(chan op, queueSize)}
	if logger != nil {
		s.log = *logger
	} else {
		s.log = zerolog.Nop()
	}
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.insert, `INSERT OR REPLACE INTO generations (id, model_id, prompt_hash, max_tokens, status, started_at) VALUES (?, ?, ?, ?, 'running', ?)`},
		{&s.finish, `UPDATE generations SET status = ?, error = ?, tokens = ?, elapsed_seconds = ?, finished_at = ? WHERE id = ?`},
		{&s.recent, `SELECT id, model_id, prompt_hash, max_tokens, status, error, tokens, elapsed_seconds, started_at, finished_at FROM generations ORDER BY started_at DESC, rowid DESC LIMIT ?`},
		{&s.get, `SELECT id, model_id, prompt_hash, max_tokens, status, error, tokens, elapsed_seconds, started_at, finished_at FROM generations WHERE id = ?`},
	}
	for _, st := range stmts {
		p, err := db.Prepare(st.sql)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare statement: %w", err)
		}
		*st.dst = p
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// dsn builds a modernc.org/sqlite connection string. That driver only reads
// pragmas from _pragma parameters.
func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("configure journal: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL DEFAULT '',
			max_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			elapsed_seconds REAL NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS generations_started ON generations (started_at);
	`); err != nil {
		return fmt.Errorf("create generations table: %w", err)
	}
	return nil
}

// Publish queues generation_start and generation_end events for writing.
// Other events are ignored. When the queue is full the event is dropped.
func (s *Store) Publish(e generation.LifecycleEvent) {
	if e.Name != generation.EventGenerationStart && e.Name != generation.EventGenerationEnd {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- op{ev: e}:
	default:
		s.dropped.Add(1)
		droppedEvents.Inc()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

// Flush blocks until every event queued before the call has been written.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.queue <- op{done: done}
	s.mu.RUnlock()
	<-done
}

func (s *Store) loop() {
	defer s.wg.Done()
	for o := range s.queue {
		if o.done != nil {
			close(o.done)
			continue
		}
		if err := s.apply(o.ev); err != nil {
			writeErrors.Inc()
			s.log.Warn().Err(err).Str("event", o.ev.Name).Msg("journal write failed")
		}
	}
}

func (s *Store) apply(e generation.LifecycleEvent) error {
	id, _ := e.Fields["handle_id"].(string)
	if id == "" {
		return errors.New("event without handle_id")
	}
	switch e.Name {
	case generation.EventGenerationStart:
		hash, _ := e.Fields["prompt_hash"].(string)
		maxTokens, _ := e.Fields["max_tokens"].(int)
		started := time.Now()
		if t, ok := e.Fields["started_at"].(time.Time); ok {
			started = t
		}
		_, err := s.insert.Exec(id, e.ModelID, hash, maxTokens, started.UnixMilli())
		return err
	case generation.EventGenerationEnd:
		status, _ := e.Fields["status"].(string)
		msg, _ := e.Fields["error"].(string)
		tokens, _ := e.Fields["tokens"].(int)
		elapsed, _ := e.Fields["elapsed_seconds"].(float64)
		_, err := s.finish.Exec(status, msg, tokens, elapsed, time.Now().UnixMilli(), id)
		return err
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]types.GenerationRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}
	rows, err := s.recent.Query(limit)
	if err != nil {
		return nil, fmt.Errorf("query recent generations: %w", err)
	}
	defer rows.Close()
	out := make([]types.GenerationRecord, 0, limit)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the record for id, or sql.ErrNoRows.
func (s *Store) Get(id string) (types.GenerationRecord, error) {
	return scan(s.get.QueryRow(id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (types.GenerationRecord, error) {
	var r types.GenerationRecord
	err := sc.Scan(&r.ID, &r.ModelID, &r.PromptHash, &r.MaxTokens, &r.Status, &r.Error,
		&r.TokensGenerated, &r.ElapsedSeconds, &r.StartedUnixMs, &r.FinishedUnixMs)
	return r, err
}

// Close stops the writer after draining queued events and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
		for _, st := range []*sql.Stmt{s.insert, s.finish, s.recent, s.get} {
			st.Close()
		}
		err = s.db.Close()
	})
	return err
}
