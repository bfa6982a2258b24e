// Package metrics defines the Prometheus counters/gauges §10.5 calls for,
// exported on the same mux the health handlers register on. The teacher
// itself never imports prometheus/client_golang; this follows the
// convention visible in the retrieval pack's other control-plane repos
// (cuemby-warren, wisbric-nightowl, Will-Luck-Docker-Sentinel), none of
// which the teacher depends on but all of which sit in the same "small Go
// control-plane binary" domain and instrument work dispatch / rollout /
// fan-out the same way this engine needs to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkItemsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_work_items_dispatched_total",
		Help: "WorkItems sent to a host by the dispatcher.",
	}, []string{"host_id", "type"})

	WorkItemsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_work_items_completed_total",
		Help: "WorkItems that completed, by outcome.",
	}, []string{"host_id", "type", "outcome"})

	WorkItemsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_work_items_reclaimed_total",
		Help: "WorkItems reclaimed from a timed-out processing state.",
	}, []string{"host_id"})

	RolloutsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_rollouts_started_total",
		Help: "Rollouts created.",
	}, []string{"service_id"})

	RolloutsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_rollouts_completed_total",
		Help: "Rollouts reaching a terminal state, by outcome.",
	}, []string{"service_id", "outcome"})

	RolloutStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wharf_rollout_stage_duration_seconds",
		Help:    "Time spent in each rollout stage before advancing.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	FanoutsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_fanout_pushes_total",
		Help: "Config pushes sent to agents.",
	}, []string{"kind"})

	FanoutsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_fanout_acks_total",
		Help: "Config push acknowledgements received from agents.",
	}, []string{"kind"})

	FanoutsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_fanout_timeouts_total",
		Help: "Config pushes that advanced on the fallback timer without a full ack set.",
	}, []string{"kind"})

	FanoutsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_fanout_failures_total",
		Help: "Config pushes where an agent explicitly acked success=false.",
	}, []string{"kind"})

	HostsStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wharf_hosts_marked_stale_total",
		Help: "Hosts transitioned from online to offline by the stale sweep.",
	}, []string{})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wharf_agent_sessions_active",
		Help: "Currently connected agent sessions.",
	})
)

// Handler returns the HTTP handler to register at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
