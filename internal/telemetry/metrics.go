// Package telemetry holds the node's Prometheus metrics, isolated from
// the global default registry so multiple nodes can run in the same test
// binary without collector collisions. Adapted from the teacher's
// pkg/p2pnet/metrics.go: its proxy/holepunch/STUN series are replaced
// with the mesh's own route/gossip/executor/cost series, while the
// daemon-request and build-info series are kept as-is.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every atmosphere Prometheus collector on its own
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	RouteDecisionsTotal       *prometheus.CounterVec
	GossipForwardedTotal      *prometheus.CounterVec
	GossipDedupedTotal        *prometheus.CounterVec
	ExecutorDurationSeconds   *prometheus.HistogramVec
	ExecutorFailuresTotal     *prometheus.CounterVec
	CostScore                 *prometheus.GaugeVec
	ApprovalDecisionsTotal    *prometheus.CounterVec
	JoinAttemptsTotal         *prometheus.CounterVec
	RegistryCapabilitiesGauge *prometheus.GaugeVec

	DaemonRequestsTotal          *prometheus.CounterVec
	DaemonRequestDurationSeconds *prometheus.HistogramVec

	ConnectedPeers *prometheus.GaugeVec

	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on a
// fresh registry, labeling the build-info gauge with version/goVersion.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RouteDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_route_decisions_total",
				Help: "Total routing decisions by outcome.",
			},
			[]string{"outcome"}, // "chosen", "no_capability"
		),
		GossipForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_gossip_forwarded_total",
				Help: "Total gossip announcements forwarded by kind.",
			},
			[]string{"kind"},
		),
		GossipDedupedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_gossip_deduped_total",
				Help: "Total gossip announcements dropped as duplicates.",
			},
			[]string{"kind"},
		),
		ExecutorDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atmosphere_executor_duration_seconds",
				Help:    "Duration of capability invocations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
			},
			[]string{"tool", "failure"},
		),
		ExecutorFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_executor_failures_total",
				Help: "Total capability invocation failures by class.",
			},
			[]string{"failure"},
		),
		CostScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_cost_score",
				Help: "Most recently computed cost score per node.",
			},
			[]string{"node_id"},
		),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_approval_decisions_total",
				Help: "Total Approval Gate decisions by check and verdict.",
			},
			[]string{"check", "verdict"},
		),
		JoinAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_join_attempts_total",
				Help: "Total mesh join attempts by result.",
			},
			[]string{"result"},
		),
		RegistryCapabilitiesGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_registry_capabilities",
				Help: "Capabilities currently known to the registry, by status.",
			},
			[]string{"status"},
		),

		DaemonRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atmosphere_daemon_requests_total",
				Help: "Total number of daemon API requests.",
			},
			[]string{"method", "path", "status"},
		),
		DaemonRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atmosphere_daemon_request_duration_seconds",
				Help:    "Duration of daemon API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_connected_peers",
				Help: "Number of connected peers by path type.",
			},
			[]string{"path_type"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "atmosphere_info",
				Help: "Build information for the running atmosphere node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.RouteDecisionsTotal,
		m.GossipForwardedTotal,
		m.GossipDedupedTotal,
		m.ExecutorDurationSeconds,
		m.ExecutorFailuresTotal,
		m.CostScore,
		m.ApprovalDecisionsTotal,
		m.JoinAttemptsTotal,
		m.RegistryCapabilitiesGauge,
		m.DaemonRequestsTotal,
		m.DaemonRequestDurationSeconds,
		m.ConnectedPeers,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns an http.Handler serving the Prometheus exposition
// format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
