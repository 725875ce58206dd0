package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used when no database is
// configured, and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*NodeConfig
	players map[string]*PlayerState
	bundled *NodeConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*NodeConfig),
		players: make(map[string]*PlayerState),
	}
}

// NodeConfigs returns the NodeConfigStore.
func (s *MemoryStore) NodeConfigs() NodeConfigStore { return (*memoryNodeConfigs)(s) }

// PlayerStates returns the PlayerStateStore.
func (s *MemoryStore) PlayerStates() PlayerStateStore { return (*memoryPlayerStates)(s) }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

type memoryNodeConfigs MemoryStore

func (s *memoryNodeConfigs) Get(_ context.Context, identifier string) (*NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.nodes[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNodeConfig(cfg), nil
}

func (s *memoryNodeConfigs) List(_ context.Context) ([]*NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NodeConfig, 0, len(s.nodes))
	for _, cfg := range s.nodes {
		out = append(out, cloneNodeConfig(cfg))
	}
	return out, nil
}

func (s *memoryNodeConfigs) Save(_ context.Context, cfg *NodeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneNodeConfig(cfg)
	c.UpdatedAt = time.Now().UTC()
	s.nodes[c.Identifier] = c
	if c.Identifier == BundledNodeID {
		s.bundled = c
	}
	return nil
}

func (s *memoryNodeConfigs) Delete(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, identifier)
	return nil
}

func (s *memoryNodeConfigs) Bundled(ctx context.Context) (*NodeConfig, error) {
	s.mu.Lock()
	if s.bundled == nil {
		s.bundled = DefaultBundledConfig()
		s.nodes[BundledNodeID] = s.bundled
	}
	cfg := cloneNodeConfig(s.bundled)
	s.mu.Unlock()
	return cfg, nil
}

type memoryPlayerStates MemoryStore

func (s *memoryPlayerStates) LoadAll(_ context.Context) ([]*PlayerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PlayerState, 0, len(s.players))
	for _, st := range s.players {
		c := *st
		out = append(out, &c)
	}
	return out, nil
}

func (s *memoryPlayerStates) Save(_ context.Context, st *PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *st
	c.UpdatedAt = time.Now().UTC()
	s.players[c.SessionID] = &c
	return nil
}

func (s *memoryPlayerStates) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, sessionID)
	return nil
}

func cloneNodeConfig(cfg *NodeConfig) *NodeConfig {
	c := *cfg
	c.DisabledSources = append([]string(nil), cfg.DisabledSources...)
	if cfg.Extras != nil {
		c.Extras = cloneDoc(cfg.Extras)
	}
	if cfg.Document != nil {
		c.Document = cloneDoc(cfg.Document)
	}
	return &c
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneDoc(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// DefaultBundledConfig is the initial configuration document for the locally
// managed node. The document mirrors the node software's own config layout.
func DefaultBundledConfig() *NodeConfig {
	return &NodeConfig{
		Identifier:    BundledNodeID,
		Name:          "managed",
		Host:          "localhost",
		Port:          2154,
		Password:      "youshallnotpass",
		Managed:       true,
		ResumeTimeout: 600,
		Extras:        map[string]any{"max_ram": "2048M"},
		Document: map[string]any{
			"server": map[string]any{
				"address": "localhost",
				"port":    2154,
			},
			"lavalink": map[string]any{
				"server": map[string]any{
					"password": "youshallnotpass",
					"youtubeConfig": map[string]any{
						"PAPISID": "",
						"PSID":    "",
					},
					"ratelimit": map[string]any{
						"ipBlocks": []any{},
					},
					"httpConfig": map[string]any{
						"proxyHost": "",
					},
				},
			},
			"sentry": map[string]any{
				"dsn":  "",
				"tags": map[string]any{},
			},
		},
	}
}
