/*
Package registry implements C3: publishing a pod's descriptor as an
ephemeral sequential node under its cluster's pods path, and rewriting
that node's payload whenever the descriptor's local fields change.

	reg := registry.New(client, "/ochopod/clusters/"+descriptor.Cluster+"/pods")
	if err := reg.Register(ctx, descriptor); err != nil {
		return err // fatal, §4.3
	}
	reg.UpdateState(ctx, types.RoleLeader)

Registration failure is fatal (§4.3); once registered, Registry retries
transient coordination-service loss on its own rather than surfacing every
blip to the caller — only a session the client has declared LOST, via
[coordination.Client.SessionEvents], ends a Registry's usefulness, since
its ephemeral node is already gone by then.
*/
package registry
