package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/psantana5/clip-prefetch/pkg/retry"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore connects to PostgreSQL, retrying while the server comes up
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	rc := retry.DefaultConfig()
	rc.Retryable = retry.IsRetryable
	if config.Logger != nil {
		rc.OnRetry = func(attempt int, err error, wait time.Duration) {
			config.Logger.Warn("PostgreSQL not reachable yet", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
				"wait":    wait.String(),
			})
		}
	}
	if err := retry.Do(context.Background(), rc, db.Ping); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore{db: db, numbered: true}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
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
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		frames_decoded BIGINT NOT NULL DEFAULT 0,
		frames_failed BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_prefetch_jobs_owner ON prefetch_jobs(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_prefetch_jobs_status ON prefetch_jobs(status);
	`)
	return err
}
