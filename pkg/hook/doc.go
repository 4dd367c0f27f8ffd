/*
Package hook provides the built-in Piped lifecycle hook this agent ships
with: a thin, environment-configured wrapper around an arbitrary shell
command (§4.7). A real deployment normally embeds its own hook by
implementing lifecycle.Reactive or lifecycle.Piped directly; ShellHook
exists so the standalone pod-agent binary is runnable on its own, the way
the probe (pkg/probe) is configured entirely from the orchestrator's
environment rather than from Go code.

	h := hook.NewShellHook(hook.ShellConfig{Command: "/bin/sleep 3600"}, logger)
	fsm := lifecycle.New(h, lifecycle.ResolveConfig(h.LifecycleConfig()), logger)
*/
package hook
