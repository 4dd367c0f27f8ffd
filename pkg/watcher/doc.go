/*
Package watcher implements C5, the leader-only cluster watcher: it
maintains the in-memory member set and dependency hash table, applies the
damper (§4.5) to coalesce bursts of watch firings into at most one
reconfiguration signal, and hands the resulting cluster snapshot to the
reconfiguration driver.

	w := watcher.New(client, "marathon.demo", podsPath, depHashPaths, 10*time.Second)
	w.Start(ctx)
	for snapshot := range w.Sweeps() {
		d.Sweep(ctx, snapshot, sequential)
	}

The damper timer restarts on every new watch firing and only expires once
events stop arriving for D seconds; a snapshot whose hash matches the one
that triggered the previous sweep is dropped without notifying the driver,
which is the mechanism that suppresses membership flap (§4.5, §8 property 5).

Dependency cycles are not detected: each dependency's hash node is watched
on its own, so clusters that depend on each other keep triggering one
another's sweeps.
*/
package watcher
