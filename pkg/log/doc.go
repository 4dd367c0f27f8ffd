/*
Package log provides structured logging for the pod agent using zerolog.

A single global Logger is initialized once via Init and every actor derives
a child logger from it tagged with the context it owns: WithComponent for
the actor name ("registry", "election", "watcher", "driver", "lifecycle",
"supervisor", "control"), WithPod for a descriptor's uuid, WithCluster for
a cluster key, WithPath for a coordination-service path.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	watcherLog := log.WithComponent("watcher").With().Str("cluster", key).Logger()
	watcherLog.Info().Msg("damper fired, snapshot unchanged, sweep skipped")

Console output (zerolog.ConsoleWriter) is the default; JSON output is used
when Config.JSONOutput is set (the agent's --log-json flag). Setting
ochopod_debug lowers the agent's log level to debug, §4.2's verbose-logging
toggle.
*/
package log
