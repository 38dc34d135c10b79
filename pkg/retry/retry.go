// Package retry retries infrastructure calls with exponential backoff. Frame
// decodes are never retried; only store connections and API calls are.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int // attempts after the first one
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable decides whether an error is worth another attempt. nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt number (from 1)
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the defaults used for store connections
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	wait := config.InitialBackoff

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if config.Retryable != nil && !config.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxRetries {
			break
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		wait = next(wait, config)
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

func next(wait time.Duration, config Config) time.Duration {
	if config.Multiplier > 1 {
		wait = time.Duration(float64(wait) * config.Multiplier)
	}
	if config.MaxBackoff > 0 && wait > config.MaxBackoff {
		wait = config.MaxBackoff
	}
	return wait
}

// transientMessages catch driver errors that arrive as plain strings
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many clients",
	"the database system is starting up",
	"broken pipe",
	"eof",
}

// IsRetryable reports whether err looks like a transient network failure
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
