// Package shutdown runs registered teardown steps when the service is asked to stop
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/clip-prefetch/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	mu            sync.Mutex
	shutdownFuncs []namedFunc
	timeout       time.Duration
	logger        *logging.Logger
	doneChan      chan struct{}
	once          sync.Once
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a shutdown manager whose steps share one timeout
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger.WithField("component", "shutdown"),
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown step. Steps run in reverse order of registration.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Done is closed when shutdown begins
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every registered step and returns the errors joined
func (m *Manager) Shutdown() error {
	m.once.Do(func() { close(m.doneChan) })

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var failed []error
	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		step := m.shutdownFuncs[i]
		m.logger.Debug("Running shutdown step", map[string]interface{}{"step": step.name})
		if err := step.fn(ctx); err != nil {
			m.logger.Error("Shutdown step failed", map[string]interface{}{
				"step":  step.name,
				"error": err.Error(),
			})
			failed = append(failed, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	m.shutdownFuncs = nil

	m.logger.Info("Graceful shutdown complete")
	if len(failed) > 0 {
		return fmt.Errorf("%d shutdown steps failed: %w", len(failed), failed[0])
	}
	return nil
}

// WaitWithContext blocks until SIGINT/SIGTERM or ctx ends, then shuts down
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
	}
	return m.Shutdown()
}

// StopHTTPServer adapts an http.Server to a shutdown step
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource adapts an io.Closer to a shutdown step
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return closer.Close()
	}
}
