package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/source"
)

// Job is one prefetch run bound to an editor session. It references the clip
// and exclusively owns the movie decoder clone, if any.
type Job struct {
	ID      string
	Owner   string
	Clip    *models.Clip
	Range   models.Range
	Variant models.VariantKey
	Workers int

	mu          sync.Mutex
	status      models.JobStatus
	transitions []models.StateTransition
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	handle   *jobhost.Handle
	sweep    *sweep
	progress float64
	// registered is closed once the host accepted or refused the task
	registered chan struct{}
	done       chan struct{}

	clone       source.MovieDecoder
	releaseOnce sync.Once
}

func newJob(req Request) *Job {
	j := &Job{
		ID:         uuid.New().String(),
		Owner:      req.Owner,
		Clip:       req.Clip,
		Variant:    models.VariantKey{Frame: req.Frame, Size: req.Size, Flag: req.Flag},
		status:     models.JobStatusIdle,
		createdAt:  time.Now(),
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	return j
}

// Status returns the current state
func (j *Job) Status() models.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) transition(to models.JobStatus, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to, reason)
}

func (j *Job) transitionLocked(to models.JobStatus, reason string) error {
	if err := models.ValidateTransition(j.status, to); err != nil {
		return err
	}
	now := time.Now()
	j.transitions = append(j.transitions, models.StateTransition{
		From:      j.status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.status = to

	switch {
	case to == models.JobStatusRunning:
		j.startedAt = &now
	case models.IsTerminalState(to):
		j.completedAt = &now
		close(j.done)
	}
	return nil
}

// complete moves a running job to its terminal state. It is a no-op when
// the job already finished.
func (j *Job) complete(reason models.StopReason) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != models.JobStatusRunning {
		return false
	}
	if j.handle != nil {
		j.progress, _ = j.handle.Progress()
	}
	return j.transitionLocked(models.FinalStatus(reason), string(reason)) == nil
}

// Progress returns the fraction complete and whether it changed since the
// foreground last redrew
func (j *Job) Progress() (float64, bool) {
	j.mu.Lock()
	handle, status, last := j.handle, j.status, j.progress
	j.mu.Unlock()

	if handle == nil || models.IsTerminalState(status) {
		return last, false
	}
	return handle.Progress()
}

// Cancel asks the job to stop at its next poll point. The cache keeps the
// frames inserted so far.
func (j *Job) Cancel() {
	j.mu.Lock()
	handle := j.handle
	j.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
}

// Done is closed when the job reaches a terminal state
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is done and its teardown ran, or ctx expires
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.mu.Lock()
	handle := j.handle
	j.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Wait(ctx)
}

// Stats returns the frame counters of the run
func (j *Job) Stats() Stats {
	j.mu.Lock()
	sw := j.sweep
	j.mu.Unlock()

	if sw == nil {
		return Stats{}
	}
	return sw.snapshot()
}

// Record returns the persisted summary of the job
func (j *Job) Record() *models.JobRecord {
	stats := j.Stats()
	progress, _ := j.Progress()

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &models.JobRecord{
		ID:            j.ID,
		Owner:         j.Owner,
		Range:         j.Range,
		Variant:       j.Variant,
		Workers:       j.Workers,
		Status:        j.status,
		StopReason:    stats.StopReason,
		Progress:      progress,
		FramesDecoded: stats.FramesDecoded,
		FramesFailed:  stats.FramesFailed,
		CreatedAt:     j.createdAt,
		StartedAt:     j.startedAt,
		CompletedAt:   j.completedAt,
		Transitions:   append([]models.StateTransition(nil), j.transitions...),
	}
	if j.Clip != nil {
		rec.ClipID = j.Clip.ID
		rec.Source = j.Clip.Source
	}
	return rec
}

// release closes the decoder clone exactly once
func (j *Job) release() error {
	var err error
	j.releaseOnce.Do(func() {
		if j.clone != nil {
			err = j.clone.Close()
			j.clone = nil
		}
	})
	return err
}
