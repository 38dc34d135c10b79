package prefetch

import "github.com/psantana5/clip-prefetch/pkg/models"

// Outcome is the tagged result of handling one frame
type Outcome int

const (
	// OutcomeInserted means the frame was decoded and accepted by the cache
	OutcomeInserted Outcome = iota
	// OutcomeCached means the frame was already present and was skipped
	OutcomeCached
	// OutcomeCacheFull means the cache rejected the insert
	OutcomeCacheFull
	// OutcomeReadFailed means the frame file could not be resolved or read
	OutcomeReadFailed
	// OutcomeDecodeFailed means the bytes could not be decoded
	OutcomeDecodeFailed
	// OutcomeCancelled means a stop or break was observed before the frame
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeCached:
		return "cached"
	case OutcomeCacheFull:
		return "cache_full"
	case OutcomeReadFailed:
		return "read_failed"
	case OutcomeDecodeFailed:
		return "decode_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StopReason maps a halting outcome to the reason recorded on the job
func (o Outcome) StopReason() models.StopReason {
	switch o {
	case OutcomeCacheFull:
		return models.StopCacheFull
	case OutcomeReadFailed:
		return models.StopReadFailed
	case OutcomeDecodeFailed:
		return models.StopDecodeFailed
	case OutcomeCancelled:
		return models.StopCancelled
	default:
		return models.StopNone
	}
}

// Failed reports whether the frame could not be produced
func (o Outcome) Failed() bool {
	return o == OutcomeReadFailed || o == OutcomeDecodeFailed
}

// Policy decides which outcomes end a sweep
type Policy struct {
	// SkipUnreadable continues past frames that fail to read or decode
	// instead of stopping the sweep. A full cache always stops it.
	SkipUnreadable bool
}

// Halts reports whether o stops every worker of the sweep
func (p Policy) Halts(o Outcome) bool {
	switch o {
	case OutcomeCacheFull, OutcomeCancelled:
		return true
	case OutcomeReadFailed, OutcomeDecodeFailed:
		return !p.SkipUnreadable
	default:
		return false
	}
}
