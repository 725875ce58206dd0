// Package fleet wires the registry, player coordinator, supervisor, and
// persistence into one orchestration object. Everything the daemon and the
// admin API do goes through a Fleet.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundmesh/fleet/internal/metrics"
	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/player"
	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
	"github.com/soundmesh/fleet/internal/supervisor"
	"github.com/soundmesh/fleet/internal/ws"
	"github.com/soundmesh/fleet/pkg/config"
)

// ErrNoAvailableNode is returned when an operation needs a serving node and
// none qualifies.
var ErrNoAvailableNode = errors.New("no available node can serve the request")

// watchInterval is how often node availability transitions are observed.
const watchInterval = time.Second

// Fleet is the orchestration root: it owns the node registry, the player
// coordinator, and the optional managed-node supervisor.
type Fleet struct {
	cfg     *config.Config
	store   store.Store
	reg     *registry.Registry
	players *player.Coordinator
	super   *supervisor.Supervisor
	metrics *metrics.Metrics
	logger  *slog.Logger

	clientID string
	stopCh   chan struct{}
	stopped  chan struct{}
	watching bool
}

// Options configures a Fleet.
type Options struct {
	Config   *config.Config
	Store    store.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	ClientID string
	// ConnFactory overrides the websocket transport, used by tests.
	ConnFactory registry.ConnFactory
}

// New assembles a Fleet. Call Initialize to load configs and connect.
func New(opts Options) *Fleet {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "0"
	}

	factory := opts.ConnFactory
	if factory == nil {
		factory = func(nodeOpts node.Options) node.Conn {
			return ws.New(nodeOpts, clientID, logger)
		}
	}

	reg := registry.New(factory, opts.Store.NodeConfigs(), opts.Config.Registry.RequestTimeout, logger)
	players := player.NewCoordinator(reg, opts.Store.PlayerStates(), true, logger)

	f := &Fleet{
		cfg:      opts.Config,
		store:    opts.Store,
		reg:      reg,
		players:  players,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "fleet"),
		clientID: clientID,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	if opts.Config.Managed.Enabled {
		f.super = supervisor.New(opts.Config.Managed, reg, opts.Store.NodeConfigs(), logger)
		f.super.SetRestartHook(func(ctx context.Context) {
			players.HandleNodeUp(ctx, store.BundledNodeID)
		})
	}
	return f
}

// Registry exposes the node registry.
func (f *Fleet) Registry() *registry.Registry { return f.reg }

// Players exposes the player coordinator.
func (f *Fleet) Players() *player.Coordinator { return f.players }

// Supervisor exposes the managed-node supervisor, nil when management is
// disabled.
func (f *Fleet) Supervisor() *supervisor.Supervisor { return f.super }

// Initialize restores persisted node configs, registers and connects every
// node, starts the supervisor, probes node features, and restores player
// sessions. It blocks until at least one node is serving or the ready
// timeout expires.
func (f *Fleet) Initialize(ctx context.Context) error {
	configs, err := f.store.NodeConfigs().List(ctx)
	if err != nil {
		return fmt.Errorf("loading node configs: %w", err)
	}
	for _, cfg := range configs {
		if cfg.Identifier == store.BundledNodeID {
			// The supervisor registers the bundled node itself once
			// its process is up.
			continue
		}
		if _, err := f.reg.AddNode(addOptionsFromConfig(cfg)); err != nil {
			f.logger.Warn("skipping persisted node", "node_id", cfg.Identifier, "error", err)
		}
	}

	if ext := f.cfg.External; ext.Host != "" {
		_, err := f.reg.AddNode(registry.AddOptions{
			Identifier: ext.Name,
			Name:       ext.Name,
			Host:       ext.Host,
			Port:       ext.Port,
			Password:   ext.Password,
			UseTLS:     ext.UseTLS,
		})
		if err != nil && !errors.Is(err, registry.ErrDuplicateIdentifier) {
			f.logger.Warn("could not register configured external node", "error", err)
		}
	}

	f.reg.ConnectAll(ctx)
	if f.super != nil {
		if err := f.super.Start(ctx); err != nil {
			return fmt.Errorf("starting supervisor: %w", err)
		}
	}

	if err := f.reg.WaitUntilReady(ctx, f.cfg.Registry.ReadyTimeout); err != nil {
		if f.super == nil {
			return fmt.Errorf("waiting for nodes: %w", err)
		}
		// Give the managed node the remaining chance to come up.
		if serr := f.super.WaitUntilReady(ctx, f.cfg.Managed.StartTimeout); serr != nil {
			return fmt.Errorf("waiting for nodes: %w", errors.Join(err, serr))
		}
	}

	f.probeFeatures(ctx)

	if err := f.players.RestoreAll(ctx); err != nil {
		f.logger.Warn("could not restore player sessions", "error", err)
	}

	f.watching = true
	go f.watchAvailability()
	f.logger.Info("fleet initialized", "nodes", len(f.reg.Nodes()))
	return nil
}

// probeFeatures refreshes every connected node's capability set in
// parallel.
func (f *Fleet) probeFeatures(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, n := range f.reg.AvailableNodes() {
		n := n
		g.Go(func() error {
			if err := n.UpdateFeatures(gctx); err != nil {
				f.logger.Warn("feature probe failed", "node_id", n.Identifier(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// watchAvailability observes node availability transitions and drives
// player failover and connect-back.
func (f *Fleet) watchAvailability() {
	defer close(f.stopped)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	known := make(map[string]bool)
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), watchInterval*10)
			f.observeNodes(ctx, known)
			cancel()
		case <-f.stopCh:
			return
		}
	}
}

func (f *Fleet) observeNodes(ctx context.Context, known map[string]bool) {
	nodes := f.reg.Nodes()
	seen := make(map[string]struct{}, len(nodes))
	available := 0
	for _, n := range nodes {
		id := n.Identifier()
		seen[id] = struct{}{}
		avail := n.Available()
		if avail {
			available++
		}
		if f.metrics != nil {
			f.metrics.NodePenalty.WithLabelValues(id).Set(n.Penalty())
		}
		prev, existed := known[id]
		known[id] = avail
		if !existed || prev == avail {
			continue
		}
		if avail {
			f.logger.Info("node became available", "node_id", id)
			if f.metrics != nil {
				f.metrics.FailoversTotal.WithLabelValues("connect_back").Add(0)
			}
			f.players.HandleNodeUp(ctx, id)
		} else {
			f.logger.Warn("node became unavailable", "node_id", id)
			if f.metrics != nil {
				f.metrics.FailoversTotal.WithLabelValues("node_down").Inc()
			}
			f.players.HandleNodeDown(ctx, id)
		}
	}
	for id := range known {
		if _, ok := seen[id]; !ok {
			delete(known, id)
		}
	}
	if f.metrics != nil {
		f.metrics.NodesRegistered.Set(float64(len(nodes)))
		f.metrics.NodesAvailable.Set(float64(available))
	}
}

// GetTracks resolves a query against the best available node for its
// source, retrying once on the next-best node when the first fails.
func (f *Fleet) GetTracks(ctx context.Context, query string) (*node.LoadResult, error) {
	capability := QuerySource(query)
	start := time.Now()

	n := f.reg.FindBestNode(capability)
	if n == nil {
		if f.metrics != nil {
			f.metrics.SelectionsTotal.WithLabelValues("none").Inc()
		}
		return nil, fmt.Errorf("%w: source %q", ErrNoAvailableNode, capability)
	}
	if f.metrics != nil {
		f.metrics.SelectionsTotal.WithLabelValues("ok").Inc()
	}

	result, err := n.GetTracks(ctx, query)
	if err != nil || result.LoadType == "LOAD_FAILED" {
		retry := f.nextBestNode(capability, n.Identifier())
		if retry == nil {
			if err != nil {
				return nil, fmt.Errorf("loading tracks on %s: %w", n.Identifier(), err)
			}
			f.recordLoad(result, start)
			return result, nil
		}
		f.logger.Warn("track load failed, retrying on another node",
			"failed_node", n.Identifier(), "retry_node", retry.Identifier(), "error", err)
		result, err = retry.GetTracks(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("loading tracks on %s: %w", retry.Identifier(), err)
		}
	}
	f.recordLoad(result, start)
	return result, nil
}

// Search runs a prefixed search for the given source against the best node.
func (f *Fleet) Search(ctx context.Context, source, term string) (*node.LoadResult, error) {
	return f.GetTracks(ctx, SearchQuery(source, term))
}

func (f *Fleet) recordLoad(result *node.LoadResult, start time.Time) {
	if f.metrics == nil || result == nil {
		return
	}
	f.metrics.TrackLoadsTotal.WithLabelValues(result.LoadType).Inc()
	f.metrics.TrackLoadDuration.Observe(time.Since(start).Seconds())
}

// nextBestNode picks the best node for the capability excluding one
// identifier.
func (f *Fleet) nextBestNode(capability, exclude string) *node.Node {
	var best *node.Node
	bestPenalty := 0.0
	for _, n := range f.reg.AvailableNodes() {
		if n.Identifier() == exclude {
			continue
		}
		if capability != "" && !n.HasCapability(capability) {
			continue
		}
		p := n.Penalty()
		if math.IsInf(p, 1) {
			continue
		}
		if best == nil || p < bestPenalty {
			best = n
			bestPenalty = p
		}
	}
	return best
}

// DecodeTrack decodes an encoded track on any available node.
func (f *Fleet) DecodeTrack(ctx context.Context, encoded string) (*node.TrackInfo, error) {
	n := f.reg.FindBestNode("")
	if n == nil {
		return nil, ErrNoAvailableNode
	}
	return n.DecodeTrack(ctx, encoded)
}

// DecodeTracks decodes a batch of encoded tracks on any available node.
func (f *Fleet) DecodeTracks(ctx context.Context, encoded []string) ([]node.TrackInfo, error) {
	n := f.reg.FindBestNode("")
	if n == nil {
		return nil, ErrNoAvailableNode
	}
	return n.DecodeTracks(ctx, encoded)
}

// RoutePlannerStatus fetches route planner state from a specific node.
func (f *Fleet) RoutePlannerStatus(ctx context.Context, nodeID string) (*node.RoutePlannerStatus, error) {
	n := f.reg.GetNode(nodeID)
	if n == nil {
		return nil, fmt.Errorf("%w: unknown node %s", ErrNoAvailableNode, nodeID)
	}
	return n.RoutePlannerStatus(ctx)
}

// FreeRoutePlannerAddress unmarks a failing address on a specific node.
func (f *Fleet) FreeRoutePlannerAddress(ctx context.Context, nodeID, address string) (bool, error) {
	n := f.reg.GetNode(nodeID)
	if n == nil {
		return false, fmt.Errorf("%w: unknown node %s", ErrNoAvailableNode, nodeID)
	}
	if address == "" {
		return n.FreeAllFailing(ctx)
	}
	return n.FreeAddress(ctx, address)
}

// Name implements shutdown.Component.
func (f *Fleet) Name() string { return "fleet" }

// Shutdown stops the availability watcher, the supervisor, and every node
// connection.
func (f *Fleet) Shutdown(ctx context.Context) error {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	if f.watching {
		select {
		case <-f.stopped:
		case <-ctx.Done():
		}
	}

	if f.super != nil {
		if err := f.super.Shutdown(ctx); err != nil {
			f.logger.Warn("supervisor shutdown failed", "error", err)
		}
	}
	f.reg.CloseAll(ctx)
	f.logger.Info("fleet stopped")
	return nil
}

func addOptionsFromConfig(cfg *store.NodeConfig) registry.AddOptions {
	return registry.AddOptions{
		Identifier:      cfg.Identifier,
		Name:            cfg.Name,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Password:        cfg.Password,
		UseTLS:          cfg.UseTLS,
		SearchOnly:      cfg.SearchOnly,
		Managed:         cfg.Managed,
		ResumeTimeout:   time.Duration(cfg.ResumeTimeout) * time.Second,
		DisabledSources: cfg.DisabledSources,
		Extras:          cfg.Extras,
	}
}
