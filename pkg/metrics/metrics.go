// Package metrics exposes Conflux's Prometheus surface: cluster-size
// gauges sourced from the state machine's in-memory indexes, Raft
// role/index gauges sourced from Node.Metrics, and watch-fan-out gauges
// from the watch hub. Registered at init time via prometheus.MustRegister.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConfigsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_configs_total",
			Help: "Total number of registered configs",
		},
	)

	ProposalsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_proposals_total",
			Help: "Total number of release proposals tracked",
		},
	)

	ProposalsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_proposals_pending",
			Help: "Number of release proposals awaiting approval",
		},
	)

	WatchSubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_watch_subscribers_total",
			Help: "Total live watch subscribers across all watch keys",
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_raft_peers_total",
			Help: "Total number of Raft peers in the cluster configuration",
		},
	)

	RaftLastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_raft_last_log_index",
			Help: "Last Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	ClientWriteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflux_client_write_total",
			Help: "Total client_write attempts by outcome",
		},
		[]string{"outcome"},
	)

	ClientWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conflux_client_write_duration_seconds",
			Help:    "Time taken to apply or forward a client_write",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForwardedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conflux_forwarded_writes_total",
			Help: "Total client_write requests forwarded to a leader",
		},
	)

	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflux_admission_rejected_total",
			Help: "Total requests rejected by the admission gate, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		ConfigsTotal,
		ProposalsTotal,
		ProposalsPending,
		WatchSubscribersTotal,
		RaftIsLeader,
		RaftTerm,
		RaftPeers,
		RaftLastLogIndex,
		RaftAppliedIndex,
		ClientWriteTotal,
		ClientWriteDuration,
		ForwardedWritesTotal,
		AdmissionRejectedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a label of histogramVec.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
