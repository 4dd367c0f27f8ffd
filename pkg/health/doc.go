/*
Package health implements the sanity_check mechanism the supervisor runs
against a pod's subprocess: an HTTP probe, a TCP dial, or an exec'd command,
run on a fixed Interval after an initial StartPeriod grace window, with a
Retries threshold before the status flips to unhealthy.

	checker := health.NewHTTPChecker("http://127.0.0.1:8080/health")
	status := health.NewStatus()
	cfg := health.DefaultConfig()

	for range time.Tick(cfg.Interval) {
		if status.InStartPeriod(cfg) {
			continue
		}
		status.Update(checker.Check(ctx), cfg)
		if !status.Healthy {
			proc.Kill() // the supervisor restarts a child that exits uncleanly
		}
	}

HTTPChecker, TCPChecker and ExecChecker all implement Checker, so a hook
(pkg/hook.ShellHook) can pick the probe kind without touching the
supervisor's restart logic around it.
*/
package health
