package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
)

// Coordinator owns every player and drives failover when nodes come and go.
type Coordinator struct {
	registry    *registry.Registry
	states      store.PlayerStateStore
	connectBack bool
	logger      *slog.Logger

	mu      sync.RWMutex
	players map[string]*Player
}

// NewCoordinator creates a coordinator bound to a registry.
func NewCoordinator(reg *registry.Registry, states store.PlayerStateStore, connectBack bool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:    reg,
		states:      states,
		connectBack: connectBack,
		logger:      logger,
		players:     make(map[string]*Player),
	}
}

// Player returns the player for the session, creating it on first use.
func (c *Coordinator) Player(sessionID string) *Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.players[sessionID]; ok {
		return p
	}
	p := &Player{
		sessionID:   sessionID,
		registry:    c.registry,
		states:      c.states,
		connectBack: c.connectBack,
		logger:      c.logger,
	}
	c.players[sessionID] = p
	return p
}

// Players returns a snapshot of all known players.
func (c *Coordinator) Players() []*Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Player, 0, len(c.players))
	for _, p := range c.players {
		out = append(out, p)
	}
	return out
}

// Remove drops a player and its persisted state.
func (c *Coordinator) Remove(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.players, sessionID)
	c.mu.Unlock()
	if c.states == nil {
		return nil
	}
	return c.states.Delete(ctx, sessionID)
}

// RestoreAll loads persisted player states and rebinds each session to its
// saved node when that node is still registered.
func (c *Coordinator) RestoreAll(ctx context.Context) error {
	if c.states == nil {
		return nil
	}
	saved, err := c.states.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, st := range saved {
		p := c.Player(st.SessionID)
		if n := c.registry.GetNode(st.NodeID); n != nil {
			p.mu.Lock()
			p.current = n
			p.mu.Unlock()
		}
	}
	c.logger.Info("restored player sessions", "count", len(saved))
	return nil
}

// HandleNodeDown reassigns every player bound to the given node. Players
// that cannot be placed stay on the dead node and will retry at next use.
func (c *Coordinator) HandleNodeDown(ctx context.Context, nodeID string) {
	for _, p := range c.Players() {
		current := p.Node()
		if current == nil || current.Identifier() != nodeID {
			continue
		}
		if _, err := p.EnsureNode(ctx, ""); err != nil {
			if errors.Is(err, ErrNoNodeWithCapability) {
				c.logger.Warn("no replacement node for player",
					"session_id", p.SessionID(),
					"node_id", nodeID,
				)
				continue
			}
			c.logger.Error("player reassignment failed",
				"session_id", p.SessionID(),
				"error", err,
			)
		}
	}
}

// HandleNodeUp gives every displaced player a chance to move back to its
// original node.
func (c *Coordinator) HandleNodeUp(ctx context.Context, nodeID string) {
	for _, p := range c.Players() {
		original := p.OriginalNode()
		if original == nil || original.Identifier() != nodeID {
			continue
		}
		if _, err := p.MaybeConnectBack(ctx); err != nil {
			c.logger.Error("player connect-back failed",
				"session_id", p.SessionID(),
				"error", err,
			)
		}
	}
}
