/*
Package lifecycle implements C7, the per-pod local state machine:
IDLE → CHECKING → STOPPING → CONFIGURING → RUNNING → DEAD, with a
terminal FAILED reachable from CONFIGURING (hook exception) or RUNNING
(repeated subprocess failure). Every transition is driven by a control-port
RPC (§6) or an internal event from the supervisor (child exited), and the
FSM serializes them on a single worker goroutine so concurrent RPCs queue
rather than race (§4.7, §5).

	fsm := lifecycle.New(hook, lifecycle.ResolveConfig(cfg), logger)
	fsm.Start()
	result, err := fsm.Handle(ctx, lifecycle.CmdOn, snapshot)

The user-supplied hook is a Reactive or Piped implementation (§4.7); a
Piped hook additionally owns a subprocess, driven through pkg/supervisor.
*/
package lifecycle
