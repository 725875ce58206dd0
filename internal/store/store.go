// Package store provides persistence interfaces for node configuration and
// player state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// BundledNodeID is the fixed identifier of the locally managed node's config.
const BundledNodeID = "managed"

// NodeConfig is the persisted configuration of a single node.
type NodeConfig struct {
	Identifier      string         `json:"identifier"`
	Name            string         `json:"name"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	Password        string         `json:"password"`
	UseTLS          bool           `json:"use_tls"`
	SearchOnly      bool           `json:"search_only"`
	Managed         bool           `json:"managed"`
	DisabledSources []string       `json:"disabled_sources"`
	ResumeTimeout   int            `json:"resume_timeout"`
	Extras          map[string]any `json:"extras,omitempty"`
	// Document is the full node configuration document rendered into the
	// managed node's config file. Read-modify-written as a whole.
	Document  map[string]any `json:"document,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PlayerState is the persisted state of a playback session, enough to
// restore it onto a node after a restart.
type PlayerState struct {
	SessionID  string    `json:"session_id"`
	NodeID     string    `json:"node_id"`
	TrackB64   string    `json:"track_b64,omitempty"`
	PositionMS int64     `json:"position_ms"`
	Paused     bool      `json:"paused"`
	Volume     int       `json:"volume"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NodeConfigStore persists node configuration.
type NodeConfigStore interface {
	// Get retrieves a node config by identifier.
	Get(ctx context.Context, identifier string) (*NodeConfig, error)
	// List retrieves all node configs.
	List(ctx context.Context) ([]*NodeConfig, error)
	// Save upserts a node config as a whole document.
	Save(ctx context.Context, cfg *NodeConfig) error
	// Delete removes a node config.
	Delete(ctx context.Context, identifier string) error
	// Bundled returns the config of the locally managed node, creating a
	// default one when absent.
	Bundled(ctx context.Context) (*NodeConfig, error)
}

// PlayerStateStore persists playback session state.
type PlayerStateStore interface {
	// LoadAll retrieves every persisted player state.
	LoadAll(ctx context.Context) ([]*PlayerState, error)
	// Save upserts a player state.
	Save(ctx context.Context, st *PlayerState) error
	// Delete removes a player state.
	Delete(ctx context.Context, sessionID string) error
}

// Store is the top-level persistence interface.
type Store interface {
	// NodeConfigs returns the NodeConfigStore.
	NodeConfigs() NodeConfigStore
	// PlayerStates returns the PlayerStateStore.
	PlayerStates() PlayerStateStore
	// Close closes the underlying connection.
	Close() error
}
