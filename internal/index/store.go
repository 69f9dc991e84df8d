// Package index keeps a small SQLite cache of per-file search results, so
// repeated runs of the same pattern over a mostly unchanged tree can skip
// files that did not match last time and have not been modified since.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	pattern    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	searched   INTEGER NOT NULL DEFAULT 0,
	matched    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
	pattern  TEXT NOT NULL,
	path     TEXT NOT NULL,
	size     INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	matched  INTEGER NOT NULL,
	run_id   TEXT NOT NULL,
	PRIMARY KEY (pattern, path)
);

CREATE INDEX IF NOT EXISTS idx_files_run ON files(run_id);
`

// Store manages the index cache database.
type Store struct {
	db      *sql.DB
	dbPath  string
	runID   string
	pattern string
}

// NewStore opens (creating if needed) the index database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks held by
	// a concurrent pargrep process.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a statement with backoff on sqlite lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginRun registers a new run for pattern and returns its id. Cached
// entries are scoped to the pattern, so different patterns never share
// skip decisions.
func (s *Store) BeginRun(ctx context.Context, pattern string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pattern, started_at) VALUES (?, ?, ?)`,
		id, pattern, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	s.runID = id
	s.pattern = pattern
	return id, nil
}

// ShouldSkip reports whether path can be skipped: it was searched before
// with the current pattern, did not match, and its size and mtime are
// unchanged. Lookup errors are treated as "do not skip".
func (s *Store) ShouldSkip(ctx context.Context, path string, size int64, mtime time.Time) bool {
	var cachedSize, cachedMtime int64
	var matched int
	err := s.db.QueryRowContext(ctx,
		`SELECT size, mtime_ns, matched FROM files WHERE pattern = ? AND path = ?`,
		s.pattern, path).Scan(&cachedSize, &cachedMtime, &matched)
	if err != nil {
		return false
	}
	return matched == 0 && cachedSize == size && cachedMtime == mtime.UnixNano()
}

// Record stores the outcome of searching path during the current run.
func (s *Store) Record(ctx context.Context, path string, size int64, mtime time.Time, matched bool) error {
	m := 0
	if matched {
		m = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (pattern, path, size, mtime_ns, matched, run_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pattern, path) DO UPDATE SET
		   size = excluded.size,
		   mtime_ns = excluded.mtime_ns,
		   matched = excluded.matched,
		   run_id = excluded.run_id`,
		s.pattern, path, size, mtime.UnixNano(), m, s.runID)
	if err != nil {
		return fmt.Errorf("record file result: %w", err)
	}
	return nil
}

// FinishRun stores the run's final counters.
func (s *Store) FinishRun(ctx context.Context, searched, matched int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET searched = ?, matched = ? WHERE id = ?`,
		searched, matched, s.runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Prune removes entries for files recorded before cutoff runs, keeping the
// database from growing without bound.
func (s *Store) Prune(ctx context.Context, keepRuns int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM files WHERE run_id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)`, keepRuns)
	if err != nil {
		return fmt.Errorf("prune index: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)`, keepRuns)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}
