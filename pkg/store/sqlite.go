package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based job store
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("SQLite path is required")
	}
	// WAL and a busy timeout let the CLI read history while serve writes it
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{db: db}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS prefetch_jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		clip_id TEXT NOT NULL,
		source TEXT NOT NULL,
		range_start INTEGER NOT NULL,
		range_initial INTEGER NOT NULL,
		range_end INTEGER NOT NULL,
		render_size INTEGER NOT NULL DEFAULT 0,
		render_flag INTEGER NOT NULL DEFAULT 0,
		workers INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		stop_reason TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		frames_decoded INTEGER NOT NULL DEFAULT 0,
		frames_failed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_prefetch_jobs_owner ON prefetch_jobs(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_prefetch_jobs_status ON prefetch_jobs(status);
	`)
	return err
}
