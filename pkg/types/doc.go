/*
Package types defines the core data structures shared by the pod agent's
actors: the pod descriptor published at registration, the in-memory cluster
view assembled by the watcher, and the small set of enums that describe
process and membership state.

# Core Types

Descriptor:
  - PodDescriptor: the JSON payload written to the registration node and
    read back by every peer and by the control HTTP server.
  - ProcessState: stopped, running, dead, failed.
  - PodRole: leader, follower.

Cluster:
  - Cluster: the leader's in-memory view of one cluster's live descriptors,
    ordered by seq, with a grep-by-port helper and a dependency-hash map.

# Usage

Building a descriptor at registration:

	d := &types.PodDescriptor{
		Node:        node,
		Task:        task,
		IP:          ip,
		Public:      public,
		Ports:       map[string]int{"8080": 31000},
		Port:        "8080",
		Application: application,
		Cluster:     cluster,
		Process:     types.ProcessStopped,
		State:       types.RoleFollower,
		UUID:        uuid.New().String(),
	}

# See Also

  - pkg/probe for descriptor construction from the environment
  - pkg/registry for how a descriptor is published and rewritten
  - pkg/cluster for the snapshot hash computed over a set of descriptors
*/
package types
