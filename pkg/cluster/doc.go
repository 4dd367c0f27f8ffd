/*
Package cluster builds the leader's point-in-time view of a cluster (§3)
and computes its snapshot hash: sha1 of the sorted, JSON-canonicalized
member descriptors concatenated with the sorted "dep=hash" dependency
pairs (§4.5, §8 property 2).

	view := cluster.Build(key, members, depHashes)
	h, err := cluster.Hash(view)
	if err == nil && h != lastCommittedHash {
		driver.Sweep(view)
	}

The hash is the single fact Phase D of the reconfiguration sweep (§4.6)
writes back to the coordination service, and the one the damper (§4.5)
compares against to decide whether a sweep is even necessary.
*/
package cluster
