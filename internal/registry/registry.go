// Package registry owns the set of known nodes and selects the best node
// per request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/store"
)

// Common errors returned by the registry.
var (
	// ErrDuplicateIdentifier is returned when a node with the same
	// identifier is already registered. The registry is left unchanged.
	ErrDuplicateIdentifier = errors.New("node identifier already registered")

	// ErrNoNodesRegistered is returned when an operation needs at least
	// one node and none exist.
	ErrNoNodesRegistered = errors.New("no nodes registered")

	// ErrReadyTimeout is returned when no node becomes ready in time.
	ErrReadyTimeout = errors.New("timed out waiting for a node to become ready")
)

// ConnFactory builds the wire-level connection for a node. Injected so the
// transport stays outside the fleet core.
type ConnFactory func(opts node.Options) node.Conn

// Registry tracks every node the fleet knows about. Registration is
// synchronous: a FindBestNode issued after AddNode returns sees the node.
type Registry struct {
	connFactory    ConnFactory
	configs        store.NodeConfigStore
	requestTimeout time.Duration
	logger         *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*node.Node
	// order preserves insertion order so selection ties break
	// deterministically.
	order []string
}

// New creates an empty registry.
func New(connFactory ConnFactory, configs store.NodeConfigStore, requestTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connFactory:    connFactory,
		configs:        configs,
		requestTimeout: requestTimeout,
		logger:         logger,
		nodes:          make(map[string]*node.Node),
	}
}

// AddOptions describes a node registration request.
type AddOptions struct {
	Host            string
	Port            int
	Password        string
	Identifier      string
	Name            string
	UseTLS          bool
	SearchOnly      bool
	Managed         bool
	ResumeKey       string
	ResumeTimeout   time.Duration
	DisabledSources []string
	Extras          map[string]any
}

// AddNode registers a node. The connection is constructed but not dialed;
// connecting is a separate explicit step. Fails with
// ErrDuplicateIdentifier when the identifier is taken.
func (r *Registry) AddNode(opts AddOptions) (*node.Node, error) {
	if opts.Identifier == "" {
		opts.Identifier = uuid.NewString()
	}
	if opts.Port == 0 {
		if opts.UseTLS {
			opts.Port = 443
		} else {
			opts.Port = 80
		}
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("%s-%s", opts.Host, opts.Identifier)
	}
	if opts.ResumeKey == "" {
		opts.ResumeKey = opts.Identifier
	}

	nodeOpts := node.Options{
		Identifier:      opts.Identifier,
		Name:            opts.Name,
		Host:            opts.Host,
		Port:            opts.Port,
		Password:        opts.Password,
		UseTLS:          opts.UseTLS,
		SearchOnly:      opts.SearchOnly,
		Managed:         opts.Managed,
		ResumeKey:       opts.ResumeKey,
		ResumeTimeout:   opts.ResumeTimeout,
		DisabledSources: opts.DisabledSources,
		Extras:          opts.Extras,
		RequestTimeout:  r.requestTimeout,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[opts.Identifier]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, opts.Identifier)
	}

	n := node.New(nodeOpts, r.connFactory(nodeOpts), r.configs, r.logger)
	r.nodes[opts.Identifier] = n
	r.order = append(r.order, opts.Identifier)

	r.logger.Info("registered node",
		"node_id", opts.Identifier,
		"host", opts.Host,
		"port", opts.Port,
		"tls", opts.UseTLS,
		"managed", opts.Managed,
	)
	return n, nil
}

// RemoveNode closes the node's connection and REST session, then drops it
// from the registry.
func (r *Registry) RemoveNode(_ context.Context, identifier string) error {
	r.mu.Lock()
	n, exists := r.nodes[identifier]
	if exists {
		delete(r.nodes, identifier)
		for i, id := range r.order {
			if id == identifier {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	if err := n.Close(); err != nil {
		r.logger.Warn("closing removed node", "node_id", identifier, "error", err)
	}
	r.logger.Info("removed node", "node_id", identifier)
	return nil
}

// GetNode returns the node with the given identifier, or nil.
func (r *Registry) GetNode(identifier string) *node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[identifier]
}

// Nodes returns all registered nodes in insertion order.
func (r *Registry) Nodes() []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*node.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// AvailableNodes returns the subset of nodes whose connection is live, in
// insertion order.
func (r *Registry) AvailableNodes() []*node.Node {
	var out []*node.Node
	for _, n := range r.Nodes() {
		if n.Available() {
			out = append(out, n)
		}
	}
	return out
}

// ManagedNode returns the supervisor-created node, or nil.
func (r *Registry) ManagedNode() *node.Node {
	for _, n := range r.Nodes() {
		if n.Managed() {
			return n
		}
	}
	return nil
}

// FindBestNode returns the available node with the lowest penalty, filtered
// by required capability when one is given. Ties break toward the earlier
// registered node. Returns nil when no node qualifies, which callers must
// treat as "no node with this capability".
func (r *Registry) FindBestNode(capability string) *node.Node {
	var best *node.Node
	bestPenalty := 0.0

	for _, n := range r.Nodes() {
		if !n.Available() {
			continue
		}
		if capability != "" && !n.HasSource(capability) {
			continue
		}
		penalty := n.Penalty()
		// An infinite penalty means no fresh stats yet; such a node
		// never wins a selection.
		if math.IsInf(penalty, 1) {
			continue
		}
		if best == nil || penalty < bestPenalty {
			best = n
			bestPenalty = penalty
		}
	}
	return best
}

// ConnectAll initiates the handshake for every registered node
// concurrently. It does not block for completion; use WaitUntilReady.
func (r *Registry) ConnectAll(ctx context.Context) {
	for _, n := range r.Nodes() {
		go func(n *node.Node) {
			if err := n.Connect(ctx); err != nil {
				r.logger.Warn("node connect failed",
					"node_id", n.Identifier(),
					"error", err,
				)
			}
		}(n)
	}
}

// WaitUntilReady blocks until at least one node reports available, or the
// timeout elapses.
func (r *Registry) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		r.mu.RLock()
		empty := len(r.nodes) == 0
		r.mu.RUnlock()
		if empty {
			return ErrNoNodesRegistered
		}
		if len(r.AvailableNodes()) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrReadyTimeout
		case <-tick.C:
		}
	}
}

// CloseAll removes every node, closing connections. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, n := range r.Nodes() {
		if err := r.RemoveNode(ctx, n.Identifier()); err != nil {
			r.logger.Warn("removing node on shutdown", "node_id", n.Identifier(), "error", err)
		}
	}
}
