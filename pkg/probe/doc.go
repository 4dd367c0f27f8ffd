/*
Package probe implements the one-shot binding probe (C2): a synchronous
read of the orchestrator-provided environment that produces a pod
descriptor skeleton before anything else in the agent starts.

Probe never talks to the coordination service — it only resolves local
facts (hostname, addresses, the exposed→remapped port map) and the
environment variables the agent recognizes. The registry is the first
thing to do anything with the resulting descriptor.

	res, err := probe.Probe(probe.OSEnv()) // res.Descriptor is the skeleton
	if err != nil {
		log.Fatal(err) // exit(1): fatal binding error, §6
	}
*/
package probe
