package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ochopod/pod-agent/pkg/control"
	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/driver"
	"github.com/ochopod/pod-agent/pkg/election"
	"github.com/ochopod/pod-agent/pkg/hook"
	"github.com/ochopod/pod-agent/pkg/lifecycle"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/probe"
	"github.com/ochopod/pod-agent/pkg/registry"
	"github.com/ochopod/pod-agent/pkg/types"
	"github.com/ochopod/pod-agent/pkg/watcher"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

// Exit codes per §6.
const (
	exitOK                = 0
	exitFatalBindingError = 1
	exitCoordLossBudget   = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatalBindingError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pod-agent",
	Short:   "ochopod-style pod coordination agent",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("pod-agent version %s\ncommit: %s\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("node-id", "", "Coordination node id (defaults to the probed hostname)")
	flags.String("bind-addr", "127.0.0.1:7070", "Raft bind address for the embedded coordination service")
	flags.String("data-dir", "/var/lib/pod-agent", "Coordination service data directory")
	flags.String("join-addr", "", "Existing coordination node's join-listen address (host:port serving POST /raft/join) to join, empty to bootstrap")
	flags.String("join-listen-addr", ":7071", "HTTP bind address this node serves POST /raft/join on, for other nodes' --join-addr")
	flags.String("control-addr", ":9000", "Control-port HTTP bind address (§6); defaults to the probed control port when left at its default")
	flags.Duration("session-timeout", 30*time.Second, "Coordination session timeout before declaring the session lost")
	flags.Duration("coord-loss-budget", 2*time.Minute, "How long a lost coordination session is tolerated before the agent exits(2)")
}

func run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	ringBuf := log.NewRingBuffer(32 * 1024)
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: io.MultiWriter(os.Stdout, ringBuf)})
	metrics.SetVersion(Version)

	logger := log.WithComponent("main")

	probed, err := probe.Probe(probe.OSEnv())
	if err != nil {
		logger.Error().Err(err).Msg("binding probe failed")
		return exitErr(exitFatalBindingError, err)
	}
	descriptor := probed.Descriptor
	if probed.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	hookCfg, err := hook.FromEnv(probe.OSEnv())
	if err != nil {
		logger.Error().Err(err).Msg("hook configuration failed")
		return exitErr(exitFatalBindingError, err)
	}
	theHook := hook.NewShellHook(hookCfg, log.WithComponent("hook"))
	lifecycleCfg := lifecycle.ResolveConfig(theHook.LifecycleConfig())

	nodeID, _ := flags.GetString("node-id")
	if nodeID == "" {
		nodeID = descriptor.Node
	}
	bindAddr, _ := flags.GetString("bind-addr")
	dataDir, _ := flags.GetString("data-dir")
	joinAddr, _ := flags.GetString("join-addr")
	sessionTimeout, _ := flags.GetDuration("session-timeout")
	coordLossBudget, _ := flags.GetDuration("coord-loss-budget")
	joinListenAddr, _ := flags.GetString("join-listen-addr")
	controlAddr, _ := flags.GetString("control-addr")
	if !flags.Changed("control-addr") && descriptor.Port != "" {
		// Peers dial the control port the probe advertised in the descriptor
		// (pkg/driver), so the control server must bind there rather than an
		// operator-chosen default that may not match it.
		controlAddr = ":" + descriptor.Port
	}

	client, err := coordination.NewClient(coordination.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
		JoinAddr: joinAddr,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create coordination client")
		return exitErr(exitFatalBindingError, err)
	}
	defer client.Close()

	joinMux := http.NewServeMux()
	joinMux.HandleFunc("/raft/join", client.Backend().JoinHandler())
	joinServer := &http.Server{Addr: joinListenAddr, Handler: joinMux}
	joinErrCh := make(chan error, 1)
	go func() { joinErrCh <- joinServer.ListenAndServe() }()
	defer joinServer.Close()

	ctx := context.Background()
	if err := client.Connect(ctx, sessionTimeout); err != nil {
		logger.Error().Err(err).Msg("failed to connect to coordination service")
		return exitErr(exitFatalBindingError, err)
	}
	metrics.RegisterComponent("coordination", true, "session connected")

	clusterKey := descriptor.Cluster
	podsPath := "/ochopod/clusters/" + clusterKey + "/pods"
	lockPath := "/ochopod/clusters/" + clusterKey + "/lock"
	hashPath := "/ochopod/clusters/" + clusterKey + "/hash"
	statePath := "/ochopod/clusters/" + clusterKey + "/state"

	reg := registry.New(client, podsPath)
	if err := reg.Register(ctx, descriptor); err != nil {
		logger.Error().Err(err).Msg("failed to register pod")
		return exitErr(exitFatalBindingError, err)
	}

	fsm := lifecycle.New(theHook, lifecycleCfg, log.WithComponent("lifecycle"))
	fsm.SetProcessPublisher(reg)
	if err := fsm.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to initialize lifecycle hook")
		return exitErr(exitFatalBindingError, err)
	}
	defer fsm.Stop()

	elect := election.New(client, lockPath)
	if err := elect.Campaign(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to enter leader election")
		return exitErr(exitFatalBindingError, err)
	}
	defer elect.Stop()

	depPaths := make(map[string]string, len(lifecycleCfg.DependsOn))
	for _, dep := range lifecycleCfg.DependsOn {
		depPaths[dep] = "/ochopod/clusters/" + dep + "/hash"
	}

	_, stopLeading := context.WithCancel(context.Background())
	stopLeading() // no leadership duties until we actually win the lock

	go func() {
		for role := range elect.RoleEvents() {
			if role == types.RoleLeader {
				var lctx context.Context
				lctx, stopLeading = context.WithCancel(context.Background())
				go runAsLeader(lctx, client, clusterKey, podsPath, depPaths, hashPath, statePath, lifecycleCfg, log.WithComponent("leader"))
			} else {
				stopLeading()
			}
			if err := reg.UpdateState(ctx, role); err != nil {
				logger.Warn().Err(err).Msg("failed to publish role change")
			}
		}
	}()

	ctrl := control.New(fsm, client, reg, ringBuf, func() types.PodRole {
		if elect.IsLeader() {
			return types.RoleLeader
		}
		return types.RoleFollower
	})

	metrics.RegisterComponent("control", true, "serving")
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ctrl.ListenAndServe(controlAddr) }()

	if probed.AutoStart {
		onCtx, cancel := context.WithTimeout(ctx, 10*lifecycleCfg.Damper)
		if _, err := fsm.Handle(onCtx, lifecycle.CmdOn, &types.Cluster{Key: clusterKey}); err != nil {
			logger.Warn().Err(err).Msg("initial auto-start configuration failed")
		}
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lostSince := time.Time{}
	lossTicker := time.NewTicker(5 * time.Second)
	defer lossTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			sigCtx, cancel := context.WithTimeout(context.Background(), lifecycleCfg.Grace+10*time.Second)
			fsm.Signal(sigCtx, sig)
			fsm.Handle(sigCtx, lifecycle.CmdOff, nil)
			cancel()
			return nil

		case err := <-serveErrCh:
			if err != nil {
				logger.Error().Err(err).Msg("control server failed to bind")
				return exitErr(exitFatalBindingError, err)
			}

		case err := <-joinErrCh:
			if err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("join listener failed to bind")
				return exitErr(exitFatalBindingError, err)
			}

		case <-lossTicker.C:
			if client.State() == coordination.SessionLost {
				metrics.UpdateComponent("coordination", false, "session lost")
				if lostSince.IsZero() {
					lostSince = time.Now()
				} else if time.Since(lostSince) > coordLossBudget {
					logger.Error().Msg("coordination session lost past retry budget, exiting")
					return exitErr(exitCoordLossBudget, fmt.Errorf("coordination session lost past %s", coordLossBudget))
				}
			} else {
				if !lostSince.IsZero() {
					metrics.UpdateComponent("coordination", true, "session recovered")
				}
				lostSince = time.Time{}
			}
		}
	}
}

// runAsLeader owns the watcher/driver pair for exactly one leadership term;
// it exits as soon as ctx is cancelled by a lock loss (§4.5, §4.6).
func runAsLeader(ctx context.Context, client *coordination.Client, clusterKey, podsPath string, depPaths map[string]string, hashPath, statePath string, cfg lifecycle.Config, logger zerolog.Logger) {
	w := watcher.New(client, clusterKey, podsPath, depPaths, cfg.Damper)
	w.Start(ctx)
	defer w.Stop()

	d := driver.New(client, hashPath, statePath)

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-w.Sweeps():
			if !ok {
				return
			}
			sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := d.Sweep(sweepCtx, snapshot, cfg.Sequential); err != nil {
				logger.Warn().Err(err).Msg("sweep aborted, will retry after next damper expiry")
			}
			cancel()
		}
	}
}

func exitErr(code int, err error) error {
	os.Exit(code)
	return err
}
