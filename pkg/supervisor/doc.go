/*
Package supervisor implements C8: it forks and owns exactly one child
process on behalf of a Piped lifecycle hook, restarts it on an unclean
exit up to a configured number of times with back-off, runs a periodic
sanity check against the hook, and tears the child down gracefully
(SIGTERM, grace period, SIGKILL) on request (§4.8).

	s := supervisor.New(cfg, checker, log.WithComponent("supervisor"))
	if err := s.Start(cmd); err != nil {
		return err
	}
	for ev := range s.Events() {
		// ev.Outcome is OutcomeDead or OutcomeFailed once the child is gone for good.
	}

The supervisor never runs two live children at once (§8 property 7):
Start fails if a child is already running, and the restart loop always
waits for the previous process to fully exit before forking the next.
*/
package supervisor
