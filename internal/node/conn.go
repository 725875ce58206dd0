package node

import (
	"context"
	"errors"
	"time"
)

// Common errors for node connections and REST calls.
var (
	// ErrUnauthorized is returned when the node rejects the configured
	// password (HTTP 401/403). Never retried by the fleet layer.
	ErrUnauthorized = errors.New("node rejected authorization")

	// ErrNotConnected is returned when an operation requires a live
	// connection and none exists.
	ErrNotConnected = errors.New("node connection is not established")

	// ErrReadyTimeout is returned when a wait for readiness expires.
	ErrReadyTimeout = errors.New("timed out waiting for node to become ready")
)

// StatsSink receives statistics pushed over the node link.
type StatsSink interface {
	SetStats(*Stats)
	ClearStats()
}

// StatsBinder is implemented by Conn implementations that push statistics.
// New binds the node to its conn through this when available.
type StatsBinder interface {
	BindStats(StatsSink)
}

// Conn is the live link to a backend node. The wire-level client lives
// outside this package; the fleet core only depends on this contract.
type Conn interface {
	// Connected reports whether the link is established.
	Connected() bool
	// Connecting reports whether a handshake is in flight.
	Connecting() bool
	// Connect initiates the handshake. It does not block until ready.
	Connect(ctx context.Context) error
	// Send transmits a session operation to the node.
	Send(op any) error
	// Ping verifies liveness of the link.
	Ping(ctx context.Context) error
	// WaitUntilReady blocks until the link is established or the timeout
	// elapses, returning ErrReadyTimeout on expiry.
	WaitUntilReady(ctx context.Context, timeout time.Duration) error
	// Close tears the link down.
	Close() error
}
