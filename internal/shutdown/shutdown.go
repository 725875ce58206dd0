// Package shutdown coordinates graceful teardown of the fleet daemon. It
// listens for SIGTERM/SIGINT and stops registered components in reverse
// registration order, so the API surface drains before the fleet
// disconnects its nodes and the store closes last.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole teardown sequence.
const DefaultTimeout = 30 * time.Second

// Component is anything that can be gracefully stopped.
type Component interface {
	// Name identifies the component in logs.
	Name() string
	// Shutdown stops the component, returning before the context
	// deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator stops registered components in LIFO order on signal or on an
// explicit Shutdown call.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	components []Component

	// signalCh can be injected by tests.
	signalCh chan os.Signal

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the teardown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.timeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithSignalChannel injects a custom signal channel, used by tests.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) { c.signalCh = ch }
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Components stop in reverse registration
// order, so register dependencies before their dependents.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM or SIGINT arrives, then runs the
// teardown sequence.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	sig := <-sigCh
	c.logger.Info("received shutdown signal", "signal", sig)
	c.Shutdown()
}

// Shutdown stops every registered component in LIFO order. Components are
// stopped one at a time; a failing component is logged and teardown moves
// on. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.logger.Info("shutting down", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if ctx.Err() != nil {
				c.logger.Warn("shutdown timeout exceeded, abandoning remaining components",
					"remaining", i+1)
				c.exitCode = 1
				break
			}
			c.logger.Info("stopping component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown failed", "name", comp.Name(), "error", err)
				c.exitCode = 1
				continue
			}
			c.logger.Info("component stopped", "name", comp.Name())
		}

		close(c.done)
	})
}

// Wait blocks until teardown has completed.
func (c *Coordinator) Wait() {
	<-c.done
}

// ExitCode is 0 after a clean teardown and 1 when any component failed or
// the timeout was exceeded.
func (c *Coordinator) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}
