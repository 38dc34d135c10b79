package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	numbered bool // $1, $2 placeholders
}

const jobColumns = `id, owner, clip_id, source, range_start, range_initial, range_end,
	render_size, render_flag, workers, status, stop_reason, progress,
	frames_decoded, frames_failed, created_at, started_at, completed_at, state_transitions`

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveJob upserts a job record
func (s *sqlStore) SaveJob(rec *models.JobRecord) error {
	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state transitions: %w", err)
	}

	_, err = s.db.Exec(s.rebind(`
		INSERT INTO prefetch_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			progress = excluded.progress,
			workers = excluded.workers,
			frames_decoded = excluded.frames_decoded,
			frames_failed = excluded.frames_failed,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			state_transitions = excluded.state_transitions
	`), rec.ID, rec.Owner, rec.ClipID, string(rec.Source),
		rec.Range.Start, rec.Range.Initial, rec.Range.End,
		int(rec.Variant.Size), int(rec.Variant.Flag), rec.Workers,
		string(rec.Status), string(rec.StopReason), rec.Progress,
		rec.FramesDecoded, rec.FramesFailed,
		rec.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), string(transitions))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(id string) (*models.JobRecord, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM prefetch_jobs WHERE id = ?`), id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

// ListJobs returns matching jobs, newest first
func (s *sqlStore) ListJobs(filter Filter) ([]*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM prefetch_jobs WHERE 1=1`
	args := []interface{}{}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.ClipID != "" {
		query += ` AND clip_id = ?`
		args = append(args, filter.ClipID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.JobRecord, 0)
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.JobRecord, error) {
	var (
		rec                    models.JobRecord
		source, status, reason string
		size, flag             int
		started, completed     sql.NullTime
		transitions            sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Owner, &rec.ClipID, &source,
		&rec.Range.Start, &rec.Range.Initial, &rec.Range.End,
		&size, &flag, &rec.Workers, &status, &reason, &rec.Progress,
		&rec.FramesDecoded, &rec.FramesFailed,
		&rec.CreatedAt, &started, &completed, &transitions)
	if err != nil {
		return nil, err
	}

	rec.Source = models.SourceKind(source)
	rec.Status = models.JobStatus(status)
	rec.StopReason = models.StopReason(reason)
	rec.Variant = models.VariantKey{Frame: rec.Range.Initial, Size: models.RenderSize(size), Flag: models.RenderFlag(flag)}
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	if transitions.Valid && transitions.String != "" && transitions.String != "null" {
		if err := json.Unmarshal([]byte(transitions.String), &rec.Transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state transitions: %w", err)
		}
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
