package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/logging"
	"github.com/psantana5/clip-prefetch/pkg/metrics"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/source"
)

// Stats summarizes the frames a job handled
type Stats struct {
	FramesDecoded  int64             `json:"frames_decoded"`
	FramesInserted int64             `json:"frames_inserted"`
	FramesCached   int64             `json:"frames_cached"`
	FramesFailed   int64             `json:"frames_failed"`
	StopReason     models.StopReason `json:"stop_reason,omitempty"`
}

type counters struct {
	decoded  atomic.Int64
	inserted atomic.Int64
	cached   atomic.Int64
	failed   atomic.Int64
}

// sweep is the state shared by the workers of one run
type sweep struct {
	clip    *models.Clip
	rng     models.Range
	variant models.VariantKey
	cache   framecache.Cache
	policy  Policy
	state   *jobhost.TaskState
	read    func(path string) ([]byte, error)
	stats   *counters
	metrics *metrics.Collector
	logger  *logging.Logger

	mu     sync.Mutex
	reason models.StopReason
}

// record tallies an outcome and reports whether the sweep must halt. A
// halting outcome sets the job's stop token so every worker exits at its
// next poll.
func (s *sweep) record(o Outcome, frame int, elapsed time.Duration) bool {
	switch {
	case o == OutcomeInserted:
		s.stats.inserted.Add(1)
	case o == OutcomeCached:
		s.stats.cached.Add(1)
	case o.Failed():
		s.stats.failed.Add(1)
	}
	s.metrics.ObserveFrame(string(s.clip.Source), o.String(), elapsed)

	if !s.policy.Halts(o) {
		if o.Failed() {
			s.logger.Debug("Skipping unreadable frame", map[string]interface{}{
				"frame":   frame,
				"outcome": o.String(),
			})
		}
		return false
	}

	s.mu.Lock()
	if s.reason == models.StopNone {
		s.reason = o.StopReason()
	}
	s.mu.Unlock()
	s.state.Stop.Cancel()

	s.logger.Debug("Sweep halted", map[string]interface{}{
		"frame":   frame,
		"outcome": o.String(),
	})
	return true
}

// finish returns why the sweep ended
func (s *sweep) finish(exhausted bool) models.StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reason != models.StopNone {
		return s.reason
	}
	if exhausted {
		s.reason = models.StopExhausted
	} else {
		s.reason = models.StopCancelled
	}
	return s.reason
}

// insert offers a decoded frame to the cache
func (s *sweep) insert(key models.VariantKey, buf *models.FrameBuffer) Outcome {
	if !s.cache.TryInsert(s.clip.ID, key, buf) {
		return OutcomeCacheFull
	}
	return OutcomeInserted
}

func failure(ctx context.Context, err error, fallback Outcome) Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	return fallback
}

// loadSequenceFrame reads, decodes, normalizes and inserts one frame file
func (s *sweep) loadSequenceFrame(ctx context.Context, src source.FrameSource, frame int) Outcome {
	key := s.variant.WithFrame(frame)

	path, err := src.ResolvePath(s.clip, key)
	if err != nil {
		s.logger.Debug("Failed to resolve frame path", map[string]interface{}{"frame": frame, "error": err.Error()})
		return OutcomeReadFailed
	}
	data, err := s.read(path)
	if err != nil {
		s.logger.Debug("Failed to read frame", map[string]interface{}{"frame": frame, "path": path, "error": err.Error()})
		return failure(ctx, err, OutcomeReadFailed)
	}

	s.stats.decoded.Add(1)
	buf, err := src.Decode(data, source.PrefetchFlags, source.ColorspaceHint(s.clip, key.Size))
	if err != nil {
		s.logger.Debug("Failed to decode frame", map[string]interface{}{"frame": frame, "path": path, "error": err.Error()})
		return failure(ctx, err, OutcomeDecodeFailed)
	}
	return s.insert(key, source.Normalize(buf))
}

// loadMovieFrame decodes one frame through the job's private decoder
func (s *sweep) loadMovieFrame(ctx context.Context, dec source.MovieDecoder, frame int) Outcome {
	key := s.variant.WithFrame(frame)

	s.stats.decoded.Add(1)
	buf, err := dec.DecodeAt(ctx, key)
	if err != nil {
		s.logger.Debug("Failed to decode movie frame", map[string]interface{}{"frame": frame, "error": err.Error()})
		return failure(ctx, err, OutcomeDecodeFailed)
	}
	return s.insert(key, buf)
}

func (s *sweep) snapshot() Stats {
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	return Stats{
		FramesDecoded:  s.stats.decoded.Load(),
		FramesInserted: s.stats.inserted.Load(),
		FramesCached:   s.stats.cached.Load(),
		FramesFailed:   s.stats.failed.Load(),
		StopReason:     reason,
	}
}
