/*
Package election implements C4: the classic sequential-ephemeral leader
lock. Each candidate creates a node under the cluster's lock path; the
candidate holding the lowest sequence number is leader. Every other
candidate watches only its immediate predecessor, so a departure ripples
through the line one promotion at a time instead of triggering a
thundering herd of re-checks.

	e := election.New(client, "/ochopod/clusters/"+cluster+"/lock")
	if err := e.Campaign(ctx); err != nil {
		return err
	}
	for role := range e.RoleEvents() {
		registry.UpdateState(ctx, role)
	}

A pod learns it is leader only from the empty-predecessor callback, never
from a timer (§4.4). Session loss invalidates the lock node along with
every other ephemeral node owned by that session; the caller is expected
to construct a fresh Election after reconnecting.
*/
package election
