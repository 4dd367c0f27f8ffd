package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/health"
	"github.com/ochopod/pod-agent/pkg/lifecycle"
	"github.com/ochopod/pod-agent/pkg/probe"
	"github.com/ochopod/pod-agent/pkg/supervisor"
	"github.com/ochopod/pod-agent/pkg/types"
)

// ShellConfig holds ShellHook's env-derived settings (§4.7's capability
// values, read from the same "ochopod_" namespace the probe uses).
type ShellConfig struct {
	Command      string
	CheckCommand string
	CheckHTTP    string // ochopod_check_http: URL polled by the sanity-check HTTPChecker
	CheckTCP     string // ochopod_check_tcp: address dialed by the sanity-check TCPChecker
	Cwd          string
	Lifecycle    lifecycle.Config
}

// FromEnv builds a ShellConfig from the probe's environment view. Required:
// ochopod_command. Optional: ochopod_check_command, ochopod_check_http,
// ochopod_check_tcp, ochopod_cwd, ochopod_damper, ochopod_grace,
// ochopod_sequential, ochopod_full_shutdown, ochopod_checks,
// ochopod_check_every, ochopod_strict.
func FromEnv(env probe.Env) (ShellConfig, error) {
	cmd := env["ochopod_command"]
	if cmd == "" {
		return ShellConfig{}, fmt.Errorf("hook: required environment variable ochopod_command is not set")
	}

	cfg := ShellConfig{
		Command:      cmd,
		CheckCommand: env["ochopod_check_command"],
		CheckHTTP:    env["ochopod_check_http"],
		CheckTCP:     env["ochopod_check_tcp"],
		Cwd:          env["ochopod_cwd"],
	}

	cfg.Lifecycle.Damper = durationVar(env, "ochopod_damper")
	cfg.Lifecycle.Grace = durationVar(env, "ochopod_grace")
	cfg.Lifecycle.CheckEvery = durationVar(env, "ochopod_check_every")
	cfg.Lifecycle.Sequential = boolVar(env, "ochopod_sequential")
	cfg.Lifecycle.FullShutdown = boolVar(env, "ochopod_full_shutdown")
	cfg.Lifecycle.Strict = boolVar(env, "ochopod_strict")
	if v := env["ochopod_checks"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.Checks = n
		}
	}

	return cfg, nil
}

func durationVar(env probe.Env, key string) time.Duration {
	v, ok := env[key]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func boolVar(env probe.Env, key string) bool {
	v, ok := env[key]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// ShellHook is the built-in Piped hook: it always accepts configuration and
// execs Command through /bin/sh on every successful /control/on (§4.7).
type ShellHook struct {
	cfg    ShellConfig
	logger zerolog.Logger
}

// NewShellHook wraps cfg in a hook ready to hand to lifecycle.New.
func NewShellHook(cfg ShellConfig, logger zerolog.Logger) *ShellHook {
	return &ShellHook{cfg: cfg, logger: logger}
}

// LifecycleConfig returns the Config this hook declared via its environment,
// for the caller to pass through lifecycle.ResolveConfig.
func (h *ShellHook) LifecycleConfig() lifecycle.Config { return h.cfg.Lifecycle }

func (h *ShellHook) Initialize() error { return nil }

func (h *ShellHook) CanConfigure(*types.Cluster) bool { return true }

func (h *ShellHook) Configure(*types.Cluster) error { return nil }

// ConfigureCommand execs Command through /bin/sh -c, exposing the cluster
// snapshot to the child as OCHOPOD_CLUSTER_SIZE/OCHOPOD_CLUSTER_JSON.
func (h *ShellHook) ConfigureCommand(cluster *types.Cluster) (supervisor.Command, error) {
	env := os.Environ()
	if cluster != nil {
		env = append(env, fmt.Sprintf("OCHOPOD_CLUSTER_SIZE=%d", cluster.Size()))
		if snap, err := json.Marshal(cluster); err == nil {
			env = append(env, "OCHOPOD_CLUSTER_JSON="+string(snap))
		}
	}
	return supervisor.Command{
		Program: "/bin/sh",
		Args:    []string{"-c", h.cfg.Command},
		Env:     env,
		Dir:     h.cfg.Cwd,
	}, nil
}

// SanityCheck runs the declared sanity probe, preferring an HTTP or TCP
// health.Checker over a raw shell command since both run with a bounded
// timeout instead of blocking the supervisor's check ticker indefinitely.
// An undeclared check means the pod is always considered healthy between
// restarts.
func (h *ShellHook) SanityCheck(pid int) error {
	checker := h.checker(pid)
	if checker == nil {
		return nil
	}
	result := checker.Check(context.Background())
	if !result.Healthy {
		return fmt.Errorf("sanity check failed: %s", result.Message)
	}
	return nil
}

func (h *ShellHook) checker(pid int) health.Checker {
	switch {
	case h.cfg.CheckHTTP != "":
		return health.NewHTTPChecker(h.cfg.CheckHTTP)
	case h.cfg.CheckTCP != "":
		return health.NewTCPChecker(h.cfg.CheckTCP)
	case h.cfg.CheckCommand != "":
		return health.NewExecChecker([]string{"/bin/sh", "-c",
			fmt.Sprintf("OCHOPOD_PID=%d; %s", pid, h.cfg.CheckCommand)})
	default:
		return nil
	}
}

func (h *ShellHook) TearDown() error { return nil }

func (h *ShellHook) Signaled(sig os.Signal) error {
	h.logger.Debug().Str("signal", sig.String()).Msg("forwarded signal to hook")
	return nil
}

func (h *ShellHook) Finalize() error { return nil }
