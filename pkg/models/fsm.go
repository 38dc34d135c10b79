package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by ValidateTransition failures
var ErrInvalidTransition = errors.New("invalid job state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusIdle: {
		JobStatusChecking: true, // Idle → Checking (prefetch requested)
	},
	JobStatusChecking: {
		JobStatusSkipped: true, // Checking → Skipped (cache already warm or no clip)
		JobStatusRunning: true, // Checking → Running (background task registered)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (range exhausted or backpressure)
		JobStatusCancelled: true, // Running → Cancelled (user break, session closed)
	},
	// Terminal states
	JobStatusSkipped:   {},
	JobStatusCompleted: {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSkipped || state == JobStatusCompleted || state == JobStatusCancelled
}

// FinalStatus maps the reason a sweep stopped to the job's terminal state.
// Backpressure and frame failures end a job normally; only cancellation
// produces the cancelled state.
func FinalStatus(reason StopReason) JobStatus {
	if reason == StopCancelled {
		return JobStatusCancelled
	}
	return JobStatusCompleted
}
