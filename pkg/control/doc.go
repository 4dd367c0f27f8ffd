/*
Package control implements C9: the pod's REST control surface (§4.9, §6).
It is a thin HTTP front end over a pkg/lifecycle.FSM — every handler either
answers from state the FSM already tracks or submits one serialized command
to it and reports the result.

	srv := control.New(fsm, client, registry, ringBuffer, nil)
	log.Fatal(srv.ListenAndServe(":9000"))

The universal HTTP 410 rule (a DEAD/FAILED pod is a no-op) is applied by
/info, which checks the FSM state itself, and by /control/check and
/control/on, which answer 410 when the FSM's Result reports Gone.
/control/off and /control/kill always answer 200 with the resulting state.
*/
package control
