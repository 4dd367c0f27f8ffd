/*
Package events fans out coordination-service session transitions and watch
firings to every actor inside the agent process that needs them.

The coordination client owns one Broker. Session state changes (connected,
suspended, lost) and watch firings (a node's data changed, a node's children
changed, a node was created or deleted) are published once and broadcast to
every subscriber without blocking on a slow one — watches are fire-once, so
a dropped notification is recovered on the subscriber's next read.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventSessionLost {
			election.Stop()
		}
	}
*/
package events
