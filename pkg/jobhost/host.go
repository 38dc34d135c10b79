// Package jobhost runs cancellable, progress-reporting background jobs on
// behalf of editor sessions. Each owner has at most one job; starting a new
// one stops the previous job and runs after it has finished.
package jobhost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/psantana5/clip-prefetch/pkg/logging"
)

// DefaultInterval is how often job progress is polled for redraw notifications
const DefaultInterval = 200 * time.Millisecond

var (
	ErrHostClosed = errors.New("job host is closed")
	ErrNoJob      = errors.New("no job for owner")
)

// TaskState is what a running task polls and publishes to
type TaskState struct {
	// Stop is private to the job: set on kill, replacement or by the task itself
	Stop *Token
	// Break is the host-wide user cancel, reset whenever a job starts
	Break *Token
	// Progress is published by the task and polled by the host
	Progress *Progress
}

// ShouldStop reports whether the task must return at its next poll point
func (s *TaskState) ShouldStop() bool {
	return s.Stop.Cancelled() || s.Break.Cancelled()
}

// Task is the body of a background job
type Task func(ctx context.Context, st *TaskState)

// Options configures a job
type Options struct {
	Name     string
	Interval time.Duration
	// OnUpdate is called from the host's poll loop when progress is dirty
	OnUpdate func(progress float64)
}

// Handle is the host's view of one job
type Handle struct {
	ID        string
	Owner     string
	Name      string
	StartedAt time.Time

	state *TaskState
	done  chan struct{}
}

// Stop asks the job to stop at its next poll point
func (h *Handle) Stop() {
	h.state.Stop.Cancel()
}

// Done is closed after the task returned and its cleanup ran
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job is done or ctx expires
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the job has not finished yet
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Progress returns the last published fraction and whether it changed since
// the host's last poll
func (h *Handle) Progress() (float64, bool) {
	return h.state.Progress.Load(), h.state.Progress.Dirty()
}

// Host owns the background jobs of all sessions
type Host struct {
	mu     sync.Mutex
	jobs   map[string]*Handle
	brk    *Token
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger
}

// New creates a job host
func New(logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		jobs:   make(map[string]*Handle),
		brk:    NewToken(),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithField("component", "jobhost"),
	}
}

// Start registers and launches a job for owner. The host-wide break token is
// reset so a stale user cancel does not abort the new job. cleanup runs once
// after the task returned, before Done is closed.
func (h *Host) Start(owner string, opts Options, task Task, cleanup func()) (*Handle, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}

	prev := h.jobs[owner]
	if prev != nil {
		prev.Stop()
	}

	handle := &Handle{
		ID:        uuid.New().String(),
		Owner:     owner,
		Name:      opts.Name,
		StartedAt: time.Now(),
		state: &TaskState{
			Stop:     NewToken(),
			Break:    h.brk,
			Progress: &Progress{},
		},
		done: make(chan struct{}),
	}
	h.jobs[owner] = handle
	h.brk.Reset()
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("Job registered", map[string]interface{}{
		"job_id":   handle.ID,
		"owner":    owner,
		"name":     opts.Name,
		"replaces": prev != nil,
	})

	go h.run(prev, handle, opts, task, cleanup)
	return handle, nil
}

func (h *Host) run(prev, handle *Handle, opts Options, task Task, cleanup func()) {
	defer h.wg.Done()
	defer close(handle.done)
	defer h.forget(handle)
	if cleanup != nil {
		defer cleanup()
	}

	if prev != nil {
		<-prev.done
	}

	stopPoll := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		h.pollProgress(handle, opts, stopPoll)
	}()

	if !handle.state.Stop.Cancelled() {
		task(h.ctx, handle.state)
	}

	close(stopPoll)
	<-pollDone
	if opts.OnUpdate != nil && handle.state.Progress.TakeDirty() {
		opts.OnUpdate(handle.state.Progress.Load())
	}
}

func (h *Host) pollProgress(handle *Handle, opts Options, stop <-chan struct{}) {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if opts.OnUpdate != nil && handle.state.Progress.TakeDirty() {
				opts.OnUpdate(handle.state.Progress.Load())
			}
		case <-stop:
			return
		}
	}
}

func (h *Host) forget(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[handle.Owner] == handle {
		delete(h.jobs, handle.Owner)
	}
}

// Job returns the current job of owner
func (h *Host) Job(owner string) (*Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.jobs[owner]
	return handle, ok
}

// StopOwner stops the job of owner, e.g. when its editor session closes
func (h *Host) StopOwner(owner string) (*Handle, error) {
	h.mu.Lock()
	handle, ok := h.jobs[owner]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNoJob
	}
	handle.Stop()
	return handle, nil
}

// Break raises the host-wide user cancel observed by every running job
func (h *Host) Break() {
	h.brk.Cancel()
}

// BreakRequested reports whether the user cancel is set
func (h *Host) BreakRequested() bool {
	return h.brk.Cancelled()
}

// Running returns the number of registered jobs
func (h *Host) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

// RunPool runs fn on workers goroutines and returns once all of them have
// returned. This is the synchronous mode used by fan-out tasks.
func (h *Host) RunPool(workers int, fn func(worker int)) {
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i := 0; i < workers; i++ {
		worker := i
		p.Go(func() {
			fn(worker)
		})
	}
	p.Wait()
}

// Shutdown stops every job and waits for them to finish or ctx to expire
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, handle := range h.jobs {
		handle.Stop()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		h.logger.Info("All jobs stopped")
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}
