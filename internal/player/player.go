// Package player tracks playback sessions and moves them between nodes
// when their node becomes unavailable.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
)

// ErrNoNodeWithCapability is returned when no live node can serve the
// capability a session requires. Distinct from "no nodes at all".
var ErrNoNodeWithCapability = errors.New("no available node with required capability")

// Player is one playback session. A player is bound to exactly one current
// node and, after a failover, optionally remembers the node it started on.
type Player struct {
	sessionID string
	registry  *registry.Registry
	states    store.PlayerStateStore
	logger    *slog.Logger

	// connectBack controls whether the player may move back to its
	// original node once that node recovers.
	connectBack bool

	mu             sync.Mutex
	current        *node.Node
	original       *node.Node
	lastCapability string
}

// SessionID returns the session identifier.
func (p *Player) SessionID() string { return p.sessionID }

// Node returns the player's current node, which may be nil before the first
// assignment.
func (p *Player) Node() *node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// OriginalNode returns the node the player was moved away from, or nil.
func (p *Player) OriginalNode() *node.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.original
}

// ChangeNode moves the player to the given node at the user's request. An
// explicit change clears the original-node reference: the player no longer
// belongs anywhere else.
func (p *Player) ChangeNode(ctx context.Context, n *node.Node) error {
	p.mu.Lock()
	p.current = n
	p.original = nil
	p.mu.Unlock()
	return p.persist(ctx)
}

// EnsureNode returns a live node for the given capability, reassigning the
// player when its current node is down. The capability is remembered so a
// later failover can honor the same requirement.
func (p *Player) EnsureNode(ctx context.Context, capability string) (*node.Node, error) {
	p.mu.Lock()
	if capability != "" {
		p.lastCapability = capability
	} else {
		capability = p.lastCapability
	}
	current := p.current
	p.mu.Unlock()

	if current != nil && current.Available() && (capability == "" || current.HasSource(capability)) {
		return current, nil
	}

	best := p.registry.FindBestNode(capability)
	if best == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoNodeWithCapability, capability)
	}

	p.mu.Lock()
	// Remember where the session came from so it can be moved back later,
	// unless a previous failover already recorded the home node.
	if p.connectBack && p.current != nil && p.original == nil {
		p.original = p.current
	}
	p.current = best
	p.mu.Unlock()

	p.logger.Info("player reassigned",
		"session_id", p.sessionID,
		"node_id", best.Identifier(),
		"capability", capability,
	)
	return best, p.persist(ctx)
}

// MaybeConnectBack moves the player back to its original node if that node
// is available again. No-op when connect-back is disabled, when there is no
// original node, or when the original node is still down.
func (p *Player) MaybeConnectBack(ctx context.Context) (bool, error) {
	p.mu.Lock()
	original := p.original
	p.mu.Unlock()

	if !p.connectBack || original == nil || !original.Available() {
		return false, nil
	}

	p.mu.Lock()
	p.current = original
	p.original = nil
	p.mu.Unlock()

	p.logger.Info("player moved back to original node",
		"session_id", p.sessionID,
		"node_id", original.Identifier(),
	)
	return true, p.persist(ctx)
}

func (p *Player) persist(ctx context.Context) error {
	if p.states == nil {
		return nil
	}
	p.mu.Lock()
	st := &store.PlayerState{SessionID: p.sessionID}
	if p.current != nil {
		st.NodeID = p.current.Identifier()
	}
	p.mu.Unlock()
	if err := p.states.Save(ctx, st); err != nil {
		return fmt.Errorf("persisting player state: %w", err)
	}
	return nil
}
