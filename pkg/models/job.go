package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned for a prefetch range violating start <= initial <= end
var ErrInvalidRange = errors.New("invalid prefetch range")

// JobStatus represents the status of a prefetch job
type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusChecking  JobStatus = "checking"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// StopReason records why a sweep ended
type StopReason string

const (
	StopNone         StopReason = ""
	StopExhausted    StopReason = "exhausted"
	StopCacheFull    StopReason = "cache_full"
	StopReadFailed   StopReason = "read_failed"
	StopDecodeFailed StopReason = "decode_failed"
	StopCancelled    StopReason = "cancelled"
)

// Range is the frame span one prefetch run covers. Prefetching radiates
// outward from Initial in both directions.
type Range struct {
	Start   int `json:"start_frame"`
	Initial int `json:"initial_frame"`
	End     int `json:"end_frame"`
}

// Validate checks start <= initial <= end
func (r Range) Validate() error {
	if r.Start > r.Initial || r.Initial > r.End {
		return fmt.Errorf("%w: start=%d initial=%d end=%d", ErrInvalidRange, r.Start, r.Initial, r.End)
	}
	return nil
}

// Width returns End - Start, the denominator of progress fractions
func (r Range) Width() int {
	return r.End - r.Start
}

// JobRecord is the persisted summary of one prefetch job
type JobRecord struct {
	ID            string            `json:"id"`
	Owner         string            `json:"owner"`
	ClipID        string            `json:"clip_id"`
	Source        SourceKind        `json:"source"`
	Range         Range             `json:"range"`
	Variant       VariantKey        `json:"variant"`
	Workers       int               `json:"workers"`
	Status        JobStatus         `json:"status"`
	StopReason    StopReason        `json:"stop_reason,omitempty"`
	Progress      float64           `json:"progress"`
	FramesDecoded int64             `json:"frames_decoded"`
	FramesFailed  int64             `json:"frames_failed"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Transitions   []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
