/*
Package coordination implements the ZooKeeper-like hierarchical store the
rest of the agent is built on: ephemeral nodes, sequential nodes, persistent
nodes and fire-once watches, backed by a Raft log (bootstrapped as a single
node; further nodes join through POST /raft/join) stored with raft-boltdb,
next to the bbolt-backed node tree, so the tree survives a local process restart
without losing the pending commit. Raft snapshots go to a file snapshot
store.

Client is the facade every other actor talks to — Registry, Election,
Watcher and Driver never touch the Raft log or the bolt buckets directly,
they call Client's methods and subscribe to its session-event stream. A
single Client owns the session; nothing else is allowed to issue primitives
against the store, matching the single-writer session rule of §5.

	c, _ := coordination.NewClient(coordination.Config{
		NodeID:  "pod-" + uuid,
		BindAddr: "127.0.0.1:7070",
		DataDir: "/var/lib/pod-agent",
	})
	if err := c.Connect(ctx, 10*time.Second); err != nil {
		return err
	}
	full, _ := c.CreateEphemeralSequential("/ochopod/clusters/demo.app/pods/pod-", descriptorJSON)

Session suspension does not delete ephemeral nodes; only a transition to
Lost does, matching §4.1's required semantics. See pkg/election,
pkg/registry and pkg/watcher for the higher-level recipes built on top of
this client.
*/
package coordination
