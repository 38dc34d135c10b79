package jobhost

import (
	"math"
	"sync/atomic"
)

// Token is a cooperative cancellation flag. It is set once and observed by
// every task polling it; nothing is preempted.
type Token struct {
	flag atomic.Bool
}

// NewToken returns an unset token
func NewToken() *Token {
	return &Token{}
}

// Cancel sets the token
func (t *Token) Cancel() {
	t.flag.Store(true)
}

// Reset clears the token
func (t *Token) Reset() {
	t.flag.Store(false)
}

// Cancelled reports whether the token is set
func (t *Token) Cancelled() bool {
	return t.flag.Load()
}

// Progress is written by a background task and polled by the foreground.
// Readers may observe a slightly stale fraction.
type Progress struct {
	bits  atomic.Uint64
	dirty atomic.Bool
}

// Publish stores a fraction clamped to [0,1] and marks the progress dirty
func (p *Progress) Publish(fraction float64) {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	p.bits.Store(math.Float64bits(fraction))
	p.dirty.Store(true)
}

// Load returns the last published fraction
func (p *Progress) Load() float64 {
	return math.Float64frombits(p.bits.Load())
}

// Dirty reports whether something was published since the last TakeDirty
func (p *Progress) Dirty() bool {
	return p.dirty.Load()
}

// TakeDirty clears the dirty flag and returns its previous value
func (p *Progress) TakeDirty() bool {
	return p.dirty.Swap(false)
}
