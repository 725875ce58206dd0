// Package metrics exposes Prometheus instrumentation for the fleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fleet daemon.
type Metrics struct {
	// Node metrics
	NodesRegistered prometheus.Gauge
	NodesAvailable  prometheus.Gauge
	NodePenalty     *prometheus.GaugeVec

	// Selection metrics
	SelectionsTotal *prometheus.CounterVec
	FailoversTotal  *prometheus.CounterVec

	// Track metrics
	TrackLoadsTotal   *prometheus.CounterVec
	TrackLoadDuration prometheus.Histogram

	// Supervisor metrics
	SupervisorRestarts prometheus.Counter
	SupervisorState    *prometheus.GaugeVec
}

// New creates and registers the fleet metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		NodesRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_nodes_registered",
			Help: "Number of nodes currently registered",
		}),
		NodesAvailable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_nodes_available",
			Help: "Number of registered nodes with a live connection",
		}),
		NodePenalty: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_node_penalty",
				Help: "Current load penalty per node, +Inf when unavailable",
			},
			[]string{"node_id"},
		),
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_node_selections_total",
				Help: "Best-node selections by outcome",
			},
			[]string{"outcome"},
		),
		FailoversTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_player_failovers_total",
				Help: "Player moves between nodes by reason",
			},
			[]string{"reason"},
		),
		TrackLoadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_track_loads_total",
				Help: "Track load requests by load type",
			},
			[]string{"load_type"},
		),
		TrackLoadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_track_load_duration_seconds",
			Help:    "Duration of track load requests",
			Buckets: prometheus.DefBuckets,
		}),
		SupervisorRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fleet_supervisor_restarts_total",
			Help: "Managed node restarts triggered by the supervisor",
		}),
		SupervisorState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_supervisor_state",
				Help: "Current supervisor state, 1 for the active state",
			},
			[]string{"state"},
		),
	}
}

// SetSupervisorState marks one state active and all others inactive.
func (m *Metrics) SetSupervisorState(state string) {
	for _, s := range []string{
		"idle", "downloading", "starting", "waiting_for_ready",
		"monitoring", "restarting", "adopted_external", "stopped",
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SupervisorState.WithLabelValues(s).Set(v)
	}
}
