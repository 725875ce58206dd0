// Package node models one audio backend node: its connection, capability
// set, statistics, and REST surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soundmesh/fleet/internal/store"
)

// Options describes a node to be constructed. Identifier must already be
// validated as unique by the registry.
type Options struct {
	Identifier      string
	Name            string
	Host            string
	Port            int
	Password        string
	UseTLS          bool
	SearchOnly      bool
	Managed         bool
	ResumeKey       string
	ResumeTimeout   time.Duration
	DisabledSources []string
	Extras          map[string]any
	RequestTimeout  time.Duration
}

// Node wraps a Conn with capability metadata, load statistics, and the
// node's REST surface. Nodes are created through the registry, never
// directly.
type Node struct {
	identifier    string
	name          string
	host          string
	port          int
	password      string
	useTLS        bool
	searchOnly    bool
	managed       bool
	resumeKey     string
	resumeTimeout time.Duration
	extras        map[string]any

	conn    Conn
	http    *http.Client
	configs store.NodeConfigStore
	logger  *slog.Logger

	mu       sync.RWMutex
	stats    *Stats
	sources  map[string]struct{}
	disabled map[string]struct{}
}

// New constructs a Node around an existing connection. The registry owns
// identifier uniqueness; this constructor only wires state together.
func New(opts Options, conn Conn, configs store.NodeConfigStore, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	disabled := make(map[string]struct{}, len(opts.DisabledSources))
	for _, s := range opts.DisabledSources {
		disabled[strings.ToLower(s)] = struct{}{}
	}
	n := &Node{
		identifier:    opts.Identifier,
		name:          opts.Name,
		host:          opts.Host,
		port:          opts.Port,
		password:      opts.Password,
		useTLS:        opts.UseTLS,
		searchOnly:    opts.SearchOnly,
		managed:       opts.Managed,
		resumeKey:     opts.ResumeKey,
		resumeTimeout: opts.ResumeTimeout,
		extras:        opts.Extras,
		conn:          conn,
		http:          &http.Client{Timeout: timeout},
		configs:       configs,
		logger:        logger.With("node_id", opts.Identifier),
		sources:       make(map[string]struct{}),
		disabled:      disabled,
	}
	if b, ok := conn.(StatsBinder); ok {
		b.BindStats(n)
	}
	return n
}

// Identifier returns the unique, immutable identifier of the node.
func (n *Node) Identifier() string { return n.identifier }

// Name returns the display name of the node.
func (n *Node) Name() string { return n.name }

// Host returns the address of the node.
func (n *Node) Host() string { return n.host }

// Port returns the REST/websocket port of the node.
func (n *Node) Port() int { return n.port }

// UseTLS reports whether the node is reached over TLS.
func (n *Node) UseTLS() bool { return n.useTLS }

// SearchOnly reports whether the node is restricted to track search.
func (n *Node) SearchOnly() bool { return n.searchOnly }

// Managed reports whether this node was created by the local supervisor.
func (n *Node) Managed() bool { return n.managed }

// ResumeKey returns the session resume key used by the connection.
func (n *Node) ResumeKey() string { return n.resumeKey }

// ResumeTimeout returns how long the node holds the session after a drop.
func (n *Node) ResumeTimeout() time.Duration { return n.resumeTimeout }

// Extras returns the free-form extra configuration of the node.
func (n *Node) Extras() map[string]any { return n.extras }

// Conn returns the live connection handle.
func (n *Node) Conn() Conn { return n.conn }

// Available reports whether the node can serve requests right now.
func (n *Node) Available() bool { return n.conn.Connected() }

// Connect initiates the websocket handshake.
func (n *Node) Connect(ctx context.Context) error { return n.conn.Connect(ctx) }

// WaitUntilReady blocks until the connection is established or the timeout
// elapses.
func (n *Node) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	return n.conn.WaitUntilReady(ctx, timeout)
}

// Send transmits a session operation to the node.
func (n *Node) Send(op any) error { return n.conn.Send(op) }

// Stats returns the latest statistics snapshot, or nil before the first
// stats push.
func (n *Node) Stats() *Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// SetStats replaces the statistics snapshot wholesale.
func (n *Node) SetStats(s *Stats) {
	n.mu.Lock()
	n.stats = s
	n.mu.Unlock()
}

// ClearStats drops the current snapshot. Called on reconnect so a node is
// not favored on the strength of stale numbers until it reports again.
func (n *Node) ClearStats() {
	n.mu.Lock()
	n.stats = nil
	n.mu.Unlock()
}

// Penalty returns the load score used by best-node selection. Unavailable
// nodes, and nodes that have not yet pushed stats, score +Inf so they are
// never picked.
func (n *Node) Penalty() float64 {
	if !n.Available() {
		return math.Inf(1)
	}
	n.mu.RLock()
	stats := n.stats
	n.mu.RUnlock()
	if stats == nil {
		return math.Inf(1)
	}
	return ComputePenalty(stats).Total()
}

// HasSource reports whether the node serves the named source. The check is
// case-insensitive.
func (n *Node) HasSource(source string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.sources[strings.ToLower(source)]
	return ok
}

// HasCapability is an alias for HasSource.
func (n *Node) HasCapability(capability string) bool { return n.HasSource(capability) }

// Sources returns a sorted copy of the node's merged, filtered source set.
func (n *Node) Sources() []string {
	n.mu.RLock()
	out := make([]string, 0, len(n.sources))
	for s := range n.sources {
		out = append(out, s)
	}
	n.mu.RUnlock()
	sort.Strings(out)
	return out
}

// DisabledSources returns a sorted copy of the node's disabled source set.
func (n *Node) DisabledSources() []string {
	n.mu.RLock()
	out := make([]string, 0, len(n.disabled))
	for s := range n.disabled {
		out = append(out, s)
	}
	n.mu.RUnlock()
	sort.Strings(out)
	return out
}

// UpdateFeatures queries the node's source and plugin listings and rebuilds
// the capability set. The protocol does not yet expose authoritative
// per-source flags, so the result is a best-effort approximation: plugin
// names map through a fixed capability table, and a node reporting nothing
// is assumed to serve the baseline set.
func (n *Node) UpdateFeatures(ctx context.Context) error {
	merged := make(map[string]struct{})

	listing, err := n.SourceListing(ctx)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		return err
	}
	for name, enabled := range listing.Defaults {
		if enabled {
			merged[strings.ToLower(name)] = struct{}{}
		}
	}
	for _, plugin := range listing.Plugins {
		for name, enabled := range plugin {
			if enabled {
				merged[strings.ToLower(name)] = struct{}{}
			}
		}
	}

	if len(merged) == 0 {
		plugins, err := n.Plugins(ctx)
		if err != nil && !errors.Is(err, ErrUnauthorized) {
			return err
		}
		for _, plugin := range plugins {
			for _, s := range pluginSources[plugin.Name] {
				merged[s] = struct{}{}
			}
		}
		for _, s := range baselineSources {
			merged[s] = struct{}{}
		}
		if n.managed {
			merged["local"] = struct{}{}
		}
	}

	// Local file playback is only trusted from the managed node; remote
	// nodes cannot see this machine's files.
	if !n.managed {
		delete(merged, "local")
	}

	n.mu.Lock()
	for s := range n.disabled {
		delete(merged, s)
	}
	n.sources = merged
	n.mu.Unlock()
	return nil
}

// UnsupportedFeatures returns the sources the fleet knows about but this
// node does not serve.
func (n *Node) UnsupportedFeatures(ctx context.Context) (map[string]struct{}, error) {
	n.mu.RLock()
	empty := len(n.sources) == 0
	n.mu.RUnlock()
	if empty {
		if err := n.UpdateFeatures(ctx); err != nil {
			return nil, err
		}
	}
	out := make(map[string]struct{})
	n.mu.RLock()
	for s := range SupportedSources {
		if _, ok := n.sources[s]; !ok {
			out[s] = struct{}{}
		}
	}
	n.mu.RUnlock()
	return out, nil
}

// UpdateDisabledSources extends the node's disabled-source set with the
// given sources plus everything the node cannot serve, persisting the
// result. Managed nodes are authoritative about their sources, so this is a
// no-op for them.
func (n *Node) UpdateDisabledSources(ctx context.Context, sources []string) error {
	if n.managed {
		return nil
	}
	unsupported, err := n.UnsupportedFeatures(ctx)
	if err != nil {
		return err
	}

	cfg, err := n.configs.Get(ctx, n.identifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading node config: %w", err)
		}
		cfg = &store.NodeConfig{
			Identifier: n.identifier,
			Name:       n.name,
			Host:       n.host,
			Port:       n.port,
			Password:   n.password,
			UseTLS:     n.useTLS,
			SearchOnly: n.searchOnly,
		}
	}

	disabled := make(map[string]struct{}, len(unsupported))
	for s := range unsupported {
		disabled[s] = struct{}{}
	}
	for _, s := range cfg.DisabledSources {
		disabled[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range sources {
		disabled[strings.ToLower(s)] = struct{}{}
	}

	list := make([]string, 0, len(disabled))
	for s := range disabled {
		list = append(list, s)
	}
	sort.Strings(list)

	// The whole document is read-modify-written; skip the write when the
	// value did not actually change to avoid pointless config churn.
	if equalStringSets(cfg.DisabledSources, list) {
		n.applyDisabled(disabled)
		return nil
	}
	cfg.DisabledSources = list
	if err := n.configs.Save(ctx, cfg); err != nil {
		return fmt.Errorf("saving node config: %w", err)
	}
	n.applyDisabled(disabled)
	return nil
}

func (n *Node) applyDisabled(disabled map[string]struct{}) {
	n.mu.Lock()
	n.disabled = disabled
	for s := range disabled {
		delete(n.sources, s)
	}
	n.mu.Unlock()
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[strings.ToLower(s)]; !ok {
			return false
		}
	}
	return true
}

// Close tears down the connection and the REST session. The node must not
// be used afterwards.
func (n *Node) Close() error {
	err := n.conn.Close()
	n.http.CloseIdleConnections()
	return err
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(id=%s name=%s host=%s:%d tls=%t managed=%t connected=%t)",
		n.identifier, n.name, n.host, n.port, n.useTLS, n.managed, n.conn.Connected())
}
