/*
Package metrics provides Prometheus metrics and health/readiness state for the
pod agent, exposed on the control server's mux alongside the REST surface.

Unlike a polling collector, metrics here are set inline by each actor at the
point of state change: the election actor flips IsLeader when it wins or
loses the lock, the watcher actor increments DamperFiresTotal on every timer
expiry, the driver actor observes SweepDuration for every sweep, committed
or aborted. There
is no central store to poll, so there is no Collector type — each package
imports metrics and updates its own series directly.

# Usage

	import "github.com/ochopod/pod-agent/pkg/metrics"

	metrics.IsLeader.Set(1)
	metrics.LeaderChangesTotal.Inc()

	timer := metrics.NewTimer()
	runSweep()
	timer.ObserveDuration(metrics.SweepDuration)

	http.Handle("/metrics", metrics.Handler())

RegisterComponent/UpdateComponent back the control server's readiness gate:
the coordination and control actors register themselves on startup, and
GetReadiness reports not_ready until both are healthy.
*/
package metrics
