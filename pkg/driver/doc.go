/*
Package driver implements C6, the leader-only reconfiguration driver: it
sweeps every member of a fixed snapshot through check → off → on over
HTTP, in the ordering the lifecycle's sequential flag requests, then
commits the resulting hash back to the coordination service (§4.6).

	d := driver.New(client, hashPath, statePath)
	if err := d.Sweep(ctx, snapshot, sequential); err != nil {
		log.Warn().Err(err).Msg("sweep aborted, retrying after damper")
	}

A sweep never re-reads membership mid-flight: the snapshot handed to
Sweep is exactly what Phase A probes, Phase B tears down, and Phase C
reconfigures (§4.6 tie-breaks). Losing the leader lock mid-sweep is the
caller's job to detect via the election's role channel and cancel the
context passed to Sweep.
*/
package driver
