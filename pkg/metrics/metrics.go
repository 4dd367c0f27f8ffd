package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordination session
	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podagent_coordination_session_connected",
			Help: "Whether the coordination session is CONNECTED (1), SUSPENDED (0.5) or LOST (0)",
		},
	)

	SessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_coordination_session_events_total",
			Help: "Total number of session state transitions observed, by state",
		},
		[]string{"state"},
	)

	// Election
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podagent_is_leader",
			Help: "Whether this pod currently holds the cluster lock (1 = leader, 0 = follower)",
		},
	)

	LeaderChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_leader_changes_total",
			Help: "Total number of times this pod's lock ownership changed",
		},
	)

	// Cluster watcher
	ClusterSizeObserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podagent_cluster_size",
			Help: "Number of live pods observed in the local cluster by the leader's watcher",
		},
	)

	DamperFiresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_damper_fires_total",
			Help: "Total number of times the damper timer expired",
		},
	)

	DamperSweepsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_damper_sweeps_skipped_total",
			Help: "Total number of damper expirations where the snapshot was unchanged and no sweep ran",
		},
	)

	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_watch_events_total",
			Help: "Total number of watch callbacks observed, by kind (members, dependency)",
		},
		[]string{"kind"},
	)

	// Reconfiguration driver
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_sweeps_total",
			Help: "Total number of reconfiguration sweeps, by outcome (committed, aborted, failed)",
		},
		[]string{"outcome"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podagent_sweep_duration_seconds",
			Help:    "Time taken for a full reconfiguration sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PeerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podagent_peer_call_duration_seconds",
			Help:    "Time taken for a single control-port HTTP call to a peer, by phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Local lifecycle / supervisor
	FSMTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_fsm_transitions_total",
			Help: "Total number of local lifecycle FSM transitions, by from and to state",
		},
		[]string{"from", "to"},
	)

	ChildRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podagent_child_restarts_total",
			Help: "Total number of times the supervisor restarted the child process",
		},
	)

	SanityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_sanity_checks_total",
			Help: "Total number of periodic sanity checks run, by result (ok, failed)",
		},
		[]string{"result"},
	)

	// Control HTTP server
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podagent_control_requests_total",
			Help: "Total number of control-port HTTP requests, by route and status",
		},
		[]string{"route", "status"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podagent_control_request_duration_seconds",
			Help:    "Control-port HTTP request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionConnected,
		SessionEventsTotal,
		IsLeader,
		LeaderChangesTotal,
		ClusterSizeObserved,
		DamperFiresTotal,
		DamperSweepsSkippedTotal,
		WatchEventsTotal,
		SweepsTotal,
		SweepDuration,
		PeerCallDuration,
		FSMTransitionsTotal,
		ChildRestartsTotal,
		SanityChecksTotal,
		ControlRequestsTotal,
		ControlRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler, mounted on the control
// server's mux alongside the spec's own routes (§ Part D of SPEC_FULL.md).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
