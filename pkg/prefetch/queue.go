package prefetch

import (
	"sync"

	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/models"
)

// Queue hands out the next uncached frame of a sweep. It is shared by every
// worker of a job; the lock covers only cursor bookkeeping and cache probes.
//
// The sweep runs forward from Initial+1 to End, then once backward from
// Initial-1 to Start. The direction never flips back and exhaustion is sticky.
type Queue struct {
	mu        sync.Mutex
	cache     framecache.Cache
	clipID    string
	variant   models.VariantKey
	rng       models.Range
	current   int
	forward   bool
	exhausted bool

	stop     *jobhost.Token
	brk      *jobhost.Token
	progress *jobhost.Progress
}

// NewQueue creates a queue positioned at rng.Initial, moving forward. Nil
// tokens and progress are replaced by private ones.
func NewQueue(cache framecache.Cache, clipID string, rng models.Range, variant models.VariantKey,
	stop, brk *jobhost.Token, progress *jobhost.Progress) *Queue {
	if stop == nil {
		stop = jobhost.NewToken()
	}
	if brk == nil {
		brk = jobhost.NewToken()
	}
	if progress == nil {
		progress = &jobhost.Progress{}
	}
	return &Queue{
		cache:    cache,
		clipID:   clipID,
		variant:  variant,
		rng:      rng,
		current:  rng.Initial,
		forward:  true,
		stop:     stop,
		brk:      brk,
		progress: progress,
	}
}

// Next returns the next frame to decode, or false when the sweep is over or
// a stop or break was observed
func (q *Queue) Next() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.exhausted || q.stop.Cancelled() || q.brk.Cancelled() {
		return 0, false
	}

	for {
		if q.forward {
			q.current++
			if q.current > q.rng.End {
				q.current = q.rng.Initial
				q.forward = false
				continue
			}
		} else {
			q.current--
			if q.current < q.rng.Start {
				q.exhausted = true
				return 0, false
			}
		}

		if q.cache.Has(q.clipID, q.variant.WithFrame(q.current)) {
			continue
		}

		q.publish()
		return q.current, true
	}
}

// Exhausted reports whether the sweep covered the whole range
func (q *Queue) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exhausted
}

func (q *Queue) publish() {
	width := q.rng.Width()
	if width <= 0 {
		return
	}
	var processed int
	if q.forward {
		processed = q.current - q.rng.Initial
	} else {
		processed = (q.rng.End - q.rng.Initial) + (q.rng.Initial - q.current)
	}
	q.progress.Publish(float64(processed) / float64(width))
}
