package lifecycle

import (
	"os"
	"time"

	"github.com/ochopod/pod-agent/pkg/supervisor"
	"github.com/ochopod/pod-agent/pkg/types"
)

// Reactive is the lifecycle contract for a hook that only reacts to
// control-port RPCs and owns no subprocess of its own (§4.7).
type Reactive interface {
	Initialize() error
	CanConfigure(cluster *types.Cluster) bool
	Configure(cluster *types.Cluster) error
	TearDown() error
	Signaled(sig os.Signal) error
	Finalize() error
}

// Piped extends Reactive with the subprocess capabilities: it additionally
// tells the FSM what to fork/exec and answers periodic sanity checks (§4.7,
// §4.8). A Piped hook is driven through pkg/supervisor once CONFIGURING
// succeeds.
type Piped interface {
	Reactive
	ConfigureCommand(cluster *types.Cluster) (supervisor.Command, error)
	SanityCheck(pid int) error
}

// Config carries the knobs a hook may declare; any field left at its zero
// value is replaced by the default from §4.7 in ResolveConfig.
type Config struct {
	Damper       time.Duration
	DependsOn    []string
	FullShutdown bool
	Grace        time.Duration
	Sequential   bool

	// Piped-only.
	Checks     int
	CheckEvery time.Duration
	Strict     bool
}

const (
	defaultDamper     = 10 * time.Second
	defaultGrace      = 60 * time.Second
	defaultCheckEvery = 60 * time.Second
	defaultChecks     = 3
)

// ResolveConfig fills in the §4.7 defaults for any field the hook left
// unspecified. Sequential, FullShutdown and Strict default to false by
// virtue of the zero value and need no resolution.
func ResolveConfig(cfg Config) Config {
	if cfg.Damper <= 0 {
		cfg.Damper = defaultDamper
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCheckEvery
	}
	if cfg.Checks <= 0 {
		cfg.Checks = defaultChecks
	}
	return cfg
}
