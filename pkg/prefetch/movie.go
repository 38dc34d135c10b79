package prefetch

import (
	"context"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/source"
)

// runMovie prefetches a movie clip on the calling goroutine using the job's
// private decoder: Initial..End ascending, then Initial..Start descending.
// It reports whether both passes completed.
func (s *sweep) runMovie(ctx context.Context, dec source.MovieDecoder) bool {
	for frame := s.rng.Initial; frame <= s.rng.End; frame++ {
		if !s.movieStep(ctx, dec, frame, true) {
			return false
		}
	}
	for frame := s.rng.Initial; frame >= s.rng.Start; frame-- {
		if !s.movieStep(ctx, dec, frame, false) {
			return false
		}
	}
	return true
}

func (s *sweep) movieStep(ctx context.Context, dec source.MovieDecoder, frame int, forward bool) bool {
	if s.state.ShouldStop() {
		return false
	}

	if s.cache.Has(s.clip.ID, s.variant.WithFrame(frame)) {
		s.record(OutcomeCached, frame, 0)
		return true
	}

	if width := s.rng.Width(); width > 0 {
		processed := frame - s.rng.Initial
		if !forward {
			processed = (s.rng.End - s.rng.Initial) + (s.rng.Initial - frame)
		}
		s.state.Progress.Publish(float64(processed) / float64(width))
	}

	started := time.Now()
	outcome := s.loadMovieFrame(ctx, dec, frame)
	return !s.record(outcome, frame, time.Since(started))
}
