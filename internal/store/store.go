// Package store persists jobs, advisors, dimensional profiles and runtime
// configuration in a single SQLite database. All mutations commit before the
// caller observes the result, so event emission always follows durable state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Shaydu/mondrian/internal/logging"
)

// Sentinel errors surfaced by store operations.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAdvisorNotFound = errors.New("advisor not found")
	ErrTerminalJob     = errors.New("job is terminal")
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Unlike
// time.RFC3339Nano it never trims trailing zeros, so stored timestamps sort
// lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database holding all Mondrian state.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to control
// created_at/last_activity without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the SQLite database at the given path. Pass
// ":memory:" for an ephemeral store.
func New(path string, opts ...Option) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to set sqlite foreign_keys=ON: %v", err)
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected; ANN profile search enabled")
	} else {
		logging.StoreWarn("sqlite-vec extension not available; falling back to in-process cosine scan")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	jobsTable := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL,
		advisor_ids TEXT NOT NULL DEFAULT '[]',
		requested_mode TEXT NOT NULL,
		mode_used TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		percentage INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		llm_thinking TEXT NOT NULL DEFAULT '',
		current_advisor INTEGER NOT NULL DEFAULT 0,
		total_advisors INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		rendered_output TEXT NOT NULL DEFAULT '',
		results TEXT NOT NULL DEFAULT '{}',
		status_history TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		last_activity TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_activity ON jobs(last_activity);
	`

	advisorsTable := `
	CREATE TABLE IF NOT EXISTS advisors (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		biography TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		focus_areas TEXT NOT NULL DEFAULT '[]',
		adapter_path TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`

	profilesTable := `
	CREATE TABLE IF NOT EXISTS dimensional_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		advisor_id TEXT NOT NULL,
		image_path TEXT NOT NULL,
		scores TEXT NOT NULL DEFAULT '[]',
		comments TEXT NOT NULL DEFAULT '{}',
		overall_grade TEXT NOT NULL DEFAULT '',
		caption TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		date_taken TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		significance TEXT NOT NULL DEFAULT '',
		techniques TEXT NOT NULL DEFAULT '{}',
		embedding BLOB,
		embedding_dim INTEGER NOT NULL DEFAULT 0,
		source_job_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(advisor_id, image_path)
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_advisor ON dimensional_profiles(advisor_id);
	CREATE INDEX IF NOT EXISTS idx_profiles_image ON dimensional_profiles(image_path);
	`

	configTable := `
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	for _, ddl := range []string{jobsTable, advisorsTable, profilesTable, configTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available in this build.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// VectorSearchEnabled reports whether sqlite-vec ANN search is active.
func (s *Store) VectorSearchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection. The ingest and kb tools
// use it for ad-hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats returns per-table row counts.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"jobs", "advisors", "dimensional_profiles", "config"} {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
