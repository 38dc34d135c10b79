package prefetch

import (
	"context"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/source"
)

// runPool prefetches a sequence clip with workers goroutines pulling from one
// shared queue. It returns once every worker has exited.
func (s *sweep) runPool(ctx context.Context, host *jobhost.Host, src source.FrameSource, workers int) bool {
	q := NewQueue(s.cache, s.clip.ID, s.rng, s.variant, s.state.Stop, s.state.Break, s.state.Progress)

	host.RunPool(workers, func(worker int) {
		for {
			frame, ok := q.Next()
			if !ok {
				return
			}

			started := time.Now()
			outcome := s.loadSequenceFrame(ctx, src, frame)
			if s.record(outcome, frame, time.Since(started)) {
				return
			}
		}
	})

	return q.Exhausted()
}
