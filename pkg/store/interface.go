// Package store keeps the history of prefetch jobs. Records are summaries
// written when a job is checked and again when it finishes; frames are never
// stored here.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/logging"
	"github.com/psantana5/clip-prefetch/pkg/models"
)

var ErrJobNotFound = errors.New("job not found")

// Store defines the interface for job history persistence.
// Memory, SQLite and PostgreSQL implement it.
type Store interface {
	// SaveJob inserts or replaces a record by ID
	SaveJob(rec *models.JobRecord) error
	GetJob(id string) (*models.JobRecord, error)
	// ListJobs returns matching records, newest first
	ListJobs(filter Filter) ([]*models.JobRecord, error)

	Close() error
	HealthCheck() error
}

// Filter narrows ListJobs
type Filter struct {
	Owner  string
	ClipID string
	Status models.JobStatus
	Limit  int // 0 = no limit
}

func (f Filter) matches(rec *models.JobRecord) bool {
	if f.Owner != "" && rec.Owner != f.Owner {
		return false
	}
	if f.ClipID != "" && rec.ClipID != f.ClipID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// Config selects and configures a store
type Config struct {
	Driver          string // memory, sqlite or postgres
	DSN             string // file path for sqlite, connection string for postgres
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Logger reports connection retries; nil keeps them quiet
	Logger *logging.Logger
}

// Open creates the store named by cfg.Driver
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
