// Package prefetch fills the frame cache ahead of playback. Sequence clips
// fan out over a worker pool sharing one Queue; movie clips are swept by a
// single goroutine on a private decoder clone.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/logging"
	"github.com/psantana5/clip-prefetch/pkg/metrics"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/source"
	"github.com/psantana5/clip-prefetch/pkg/store"
	"github.com/psantana5/clip-prefetch/pkg/sysinfo"
	"github.com/psantana5/clip-prefetch/pkg/tracing"
)

var (
	ErrJobNotFound = errors.New("prefetch job not found")
	ErrNoClip      = errors.New("no clip bound")
)

// Config tunes the scheduler
type Config struct {
	// Workers is the size of the sequence worker pool; 0 uses every hardware thread
	Workers          int
	ProgressInterval time.Duration
	Policy           Policy
}

// Request asks for the cache to be filled around the current frame
type Request struct {
	Owner      string // editor session
	Clip       *models.Clip
	SceneStart int
	SceneEnd   int
	Frame      int // current playback frame
	Size       models.RenderSize
	Flag       models.RenderFlag
}

// Option configures optional collaborators of a Scheduler
type Option func(*Scheduler)

// WithStore records job history in st
func WithStore(st store.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithMetrics reports job and frame metrics to c
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithTracer wraps every run in a span
func WithTracer(p *tracing.Provider) Option {
	return func(s *Scheduler) { s.tracer = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRedraw registers the foreground notification called with fresh progress
func WithRedraw(fn func(owner string, progress float64)) Option {
	return func(s *Scheduler) { s.onRedraw = fn }
}

// Scheduler decides whether prefetching is worthwhile, picks the path for
// the clip's source kind and owns the lifecycle of the resulting jobs
type Scheduler struct {
	cfg    Config
	cache  framecache.Cache
	frames source.FrameSource
	movies source.MovieOpener
	host   *jobhost.Host

	store    store.Store
	metrics  *metrics.Collector
	tracer   *tracing.Provider
	logger   *logging.Logger
	onRedraw func(owner string, progress float64)
	read     func(path string) ([]byte, error)

	mu   sync.RWMutex
	jobs map[string]*Job // jobs not yet terminal
}

// NewScheduler creates a scheduler. frames serves sequence clips and movies
// opens decoder clones for movie clips; either may be nil if that source
// kind is never requested.
func NewScheduler(cfg Config, cache framecache.Cache, frames source.FrameSource, movies source.MovieOpener,
	host *jobhost.Host, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		cache:  cache,
		frames: frames,
		movies: movies,
		host:   host,
		read:   source.ReadFrameFile,
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.WithField("component", "prefetch")
	return s
}

// Workers returns the worker count used for sequence clips
func (s *Scheduler) Workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return sysinfo.CPUThreads()
}

// Range computes the frames a request covers: the scene's playback range
// clamped to the clip's length, radiating from the current frame
func (s *Scheduler) Range(req Request) (models.Range, error) {
	if req.Clip == nil {
		return models.Range{}, ErrNoClip
	}

	start, end := req.SceneStart, req.SceneEnd
	if req.Clip.Length > 0 {
		if clipEnd := start + req.Clip.Length - 1; clipEnd < end {
			end = clipEnd
		}
	}

	initial := req.Frame
	if initial < start {
		initial = start
	}
	if initial > end {
		initial = end
	}

	rng := models.Range{Start: start, Initial: initial, End: end}
	return rng, rng.Validate()
}

// EarlyOut reports whether starting a job would be wasted: there is no clip,
// or every frame of the range is already cached
func (s *Scheduler) EarlyOut(req Request) bool {
	rng, err := s.Range(req)
	if err != nil {
		return true
	}
	return s.warm(req.Clip.ID, rng, models.VariantKey{Size: req.Size, Flag: req.Flag})
}

func (s *Scheduler) warm(clipID string, rng models.Range, variant models.VariantKey) bool {
	for frame := rng.Initial; frame <= rng.End; frame++ {
		if !s.cache.Has(clipID, variant.WithFrame(frame)) {
			return false
		}
	}
	for frame := rng.Initial; frame >= rng.Start; frame-- {
		if !s.cache.Has(clipID, variant.WithFrame(frame)) {
			return false
		}
	}
	return true
}

// Start checks the request and, when frames are missing, starts background
// work for it. A job already running for the same owner is stopped and the
// new one runs after it ended. The returned job is never nil; the bool
// reports whether background work was started.
func (s *Scheduler) Start(ctx context.Context, req Request) (*Job, bool) {
	if req.Owner == "" {
		req.Owner = "default"
	}

	job := newJob(req)
	job.transition(models.JobStatusChecking, "")

	rng, err := s.Range(req)
	if err != nil {
		s.skip(job, err.Error())
		return job, false
	}
	job.Range = rng
	job.Variant.Frame = rng.Initial

	if s.warm(req.Clip.ID, rng, job.Variant) {
		s.skip(job, "cache warm")
		return job, false
	}

	workers := 1
	if req.Clip.Source == models.SourceMovie {
		if s.movies == nil {
			s.skip(job, "no movie decoder")
			return job, false
		}
		clone, err := s.movies.Open(req.Clip)
		if err != nil {
			s.skip(job, fmt.Sprintf("open decoder: %v", err))
			return job, false
		}
		job.clone = clone
	} else {
		if s.frames == nil {
			s.skip(job, "no frame source")
			return job, false
		}
		workers = s.Workers()
	}
	job.Workers = workers

	sw := &sweep{
		clip:    req.Clip,
		rng:     rng,
		variant: job.Variant,
		cache:   s.cache,
		policy:  s.cfg.Policy,
		read:    s.read,
		stats:   &counters{},
		metrics: s.metrics,
		logger:  s.logger.WithFields(map[string]interface{}{"job_id": job.ID, "clip_id": req.Clip.ID}),
	}
	job.sweep = sw

	// the run outlives ctx; only its span is carried over
	parent := trace.SpanContextFromContext(ctx)
	task := func(ctx context.Context, st *jobhost.TaskState) {
		<-job.registered
		if job.Status() != models.JobStatusRunning {
			return
		}
		sw.state = st
		if parent.IsValid() {
			ctx = trace.ContextWithSpanContext(ctx, parent)
		}
		s.run(ctx, job, sw)
	}
	cleanup := func() {
		<-job.registered
		if err := job.release(); err != nil {
			s.logger.Warn("Failed to release decoder clone", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		if job.complete(sw.finish(false)) {
			s.logger.Debug("Job stopped before it ran", map[string]interface{}{"job_id": job.ID})
		}
		s.finished(job)
	}

	owner := req.Owner
	handle, err := s.host.Start(owner, jobhost.Options{
		Name:     "prefetch " + req.Clip.ID,
		Interval: s.cfg.ProgressInterval,
		OnUpdate: func(progress float64) {
			s.metrics.ProgressUpdate()
			if s.onRedraw != nil {
				s.onRedraw(owner, progress)
			}
		},
	}, task, cleanup)
	if err != nil {
		job.release()
		s.skip(job, err.Error())
		close(job.registered)
		return job, false
	}

	job.mu.Lock()
	job.handle = handle
	job.transitionLocked(models.JobStatusRunning, "")
	job.mu.Unlock()

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.metrics.JobStarted()
	s.persist(job)
	s.logger.Info("Prefetch job started", map[string]interface{}{
		"job_id":  job.ID,
		"owner":   owner,
		"clip_id": req.Clip.ID,
		"source":  string(req.Clip.Source),
		"start":   rng.Start,
		"initial": rng.Initial,
		"end":     rng.End,
		"workers": workers,
	})

	close(job.registered)
	return job, true
}

func (s *Scheduler) run(ctx context.Context, job *Job, sw *sweep) {
	ctx, span := s.tracer.StartSpan(ctx, "prefetch.run",
		attribute.String("job.id", job.ID),
		attribute.String("clip.id", job.Clip.ID),
		attribute.String("clip.source", string(job.Clip.Source)),
		attribute.Int("range.start", job.Range.Start),
		attribute.Int("range.initial", job.Range.Initial),
		attribute.Int("range.end", job.Range.End),
		attribute.Int("workers", job.Workers),
	)
	defer span.End()

	var exhausted bool
	if job.Clip.Source == models.SourceMovie {
		exhausted = sw.runMovie(ctx, job.clone)
	} else {
		exhausted = sw.runPool(ctx, s.host, s.frames, job.Workers)
	}

	reason := sw.finish(exhausted)
	stats := sw.snapshot()
	span.SetAttributes(
		attribute.String("stop_reason", string(reason)),
		attribute.Int64("frames.inserted", stats.FramesInserted),
		attribute.Int64("frames.failed", stats.FramesFailed),
	)
	if reason == models.StopReadFailed || reason == models.StopDecodeFailed {
		span.SetStatus(codes.Error, string(reason))
	}
	job.complete(reason)
}

func (s *Scheduler) skip(job *Job, reason string) {
	job.transition(models.JobStatusSkipped, reason)

	src := "none"
	if job.Clip != nil {
		src = string(job.Clip.Source)
	}
	s.metrics.JobFinished(src, string(models.JobStatusSkipped), false)
	s.persist(job)
	s.logger.Debug("Prefetch skipped", map[string]interface{}{
		"job_id": job.ID,
		"owner":  job.Owner,
		"reason": reason,
	})
}

func (s *Scheduler) finished(job *Job) {
	s.mu.Lock()
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	status := job.Status()
	s.metrics.JobFinished(string(job.Clip.Source), string(status), true)
	s.persist(job)

	stats := job.Stats()
	s.logger.Info("Prefetch job finished", map[string]interface{}{
		"job_id":   job.ID,
		"status":   string(status),
		"reason":   string(stats.StopReason),
		"inserted": stats.FramesInserted,
		"cached":   stats.FramesCached,
		"failed":   stats.FramesFailed,
	})
}

func (s *Scheduler) persist(job *Job) {
	if err := s.store.SaveJob(job.Record()); err != nil {
		s.logger.Warn("Failed to record job", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// Job returns a job that has not finished yet
func (s *Scheduler) Job(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Active returns the jobs that have not finished yet
func (s *Scheduler) Active() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

// Record returns the summary of any job, live or finished
func (s *Scheduler) Record(id string) (*models.JobRecord, error) {
	if job, err := s.Job(id); err == nil {
		return job.Record(), nil
	}
	rec, err := s.store.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, ErrJobNotFound
	}
	return rec, err
}

// History lists recorded jobs
func (s *Scheduler) History(filter store.Filter) ([]*models.JobRecord, error) {
	return s.store.ListJobs(filter)
}

// Cancel stops one job
func (s *Scheduler) Cancel(id string) error {
	job, err := s.Job(id)
	if err != nil {
		return err
	}
	job.Cancel()
	return nil
}

// CancelAll raises the user cancel observed by every running job. The next
// Start resets it.
func (s *Scheduler) CancelAll() {
	s.host.Break()
}

// CloseSession stops the job of an editor session that is going away. It
// reports whether a job was running.
func (s *Scheduler) CloseSession(owner string) bool {
	_, err := s.host.StopOwner(owner)
	return err == nil
}

// Shutdown stops every job and waits for their teardown
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.host.Shutdown(ctx)
}
