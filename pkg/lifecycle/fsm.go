package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/supervisor"
	"github.com/ochopod/pod-agent/pkg/types"
)

// State is a node of the local lifecycle FSM (§4.7).
type State string

const (
	StateIdle        State = "IDLE"
	StateChecking    State = "CHECKING"
	StateStopping    State = "STOPPING"
	StateConfiguring State = "CONFIGURING"
	StateRunning     State = "RUNNING"
	StateDead        State = "DEAD"
	StateFailed      State = "FAILED"
)

// Cmd names the control-port operations the FSM serializes (§6).
type Cmd string

const (
	CmdCheck  Cmd = "check"
	CmdOn     Cmd = "on"
	CmdOff    Cmd = "off"
	CmdKill   Cmd = "kill"
	cmdSignal Cmd = "signal"
)

// ErrRejected is returned by Handle when the hook's CanConfigure declines;
// the control server maps it to HTTP 406 (§6).
var ErrRejected = errors.New("lifecycle: configuration rejected by hook")

// ProcessState maps a local lifecycle State to the descriptor's externally
// observable process field (§4.3). CHECKING counts as RUNNING since it is a
// transient detour out of (and back into) whatever steady state preceded it,
// never a resting state a peer should see as distinct.
func ProcessState(s State) types.ProcessState {
	switch s {
	case StateRunning, StateConfiguring, StateChecking:
		return types.ProcessRunning
	case StateDead:
		return types.ProcessDead
	case StateFailed:
		return types.ProcessFailed
	default:
		return types.ProcessStopped
	}
}

// ProcessPublisher republishes the pod's process field whenever the FSM's
// state changes (§4.3); pkg/registry.Registry satisfies this.
type ProcessPublisher interface {
	UpdateProcess(ctx context.Context, state types.ProcessState) error
}

// Result is what a control-port RPC reports back about the pod's state.
type Result struct {
	State State
	// Gone is set by check and on once the pod is DEAD/FAILED; the control
	// server maps it to HTTP 410 for /control/check and /control/on (§6
	// universal rule). off and kill never set it.
	Gone bool
}

type request struct {
	cmd     Cmd
	cluster *types.Cluster
	sig     os.Signal
	respCh  chan response
}

type response struct {
	result Result
	err    error
}

// FSM is C7: the single-worker state machine owning one pod's local run
// state. Every exported method is safe to call from concurrent goroutines
// (the control HTTP server's handlers); internally all mutation happens on
// one goroutine started by Start.
type FSM struct {
	hook  Reactive
	piped Piped // non-nil iff hook also implements Piped
	sup   *supervisor.Supervisor
	cfg   Config

	publisher ProcessPublisher

	logger zerolog.Logger

	mu    sync.Mutex
	state State

	reqCh  chan request
	stopCh chan struct{}
}

// New builds an FSM around hook. cfg should already have passed through
// ResolveConfig. If hook implements Piped, its subprocess is driven through
// a freshly created pkg/supervisor.Supervisor.
func New(hook Reactive, cfg Config, logger zerolog.Logger) *FSM {
	f := &FSM{
		hook:   hook,
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		reqCh:  make(chan request),
		stopCh: make(chan struct{}),
	}
	if piped, ok := hook.(Piped); ok {
		f.piped = piped
		f.sup = supervisor.New(supervisor.Config{
			Grace:      cfg.Grace,
			Checks:     cfg.Checks,
			CheckEvery: cfg.CheckEvery,
			Strict:     cfg.Strict,
		}, piped, logger)
	}
	return f
}

// Start runs the hook's Initialize and launches the worker goroutine.
func (f *FSM) Start() error {
	if err := f.hook.Initialize(); err != nil {
		return fmt.Errorf("lifecycle: initialize hook: %w", err)
	}
	go f.run()
	return nil
}

// Stop halts the worker goroutine and runs the hook's Finalize. It does not
// tear down a running child; callers that want a graceful shutdown should
// issue CmdOff first.
func (f *FSM) Stop() {
	close(f.stopCh)
	if err := f.hook.Finalize(); err != nil {
		f.logger.Warn().Err(err).Msg("finalize hook failed")
	}
}

// State returns the FSM's current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetProcessPublisher arms republishing of the descriptor's process field on
// every transition. Callers wire this to the pod's registry after New and
// before Start; a nil publisher (the default) makes transition a no-op for
// this concern.
func (f *FSM) SetProcessPublisher(p ProcessPublisher) { f.publisher = p }

// Damper, DependsOn, Sequential and FullShutdown expose the hook's declared
// configuration for the rest of the agent to wire up (§4.5, §4.6).
func (f *FSM) Damper() time.Duration { return f.cfg.Damper }
func (f *FSM) Grace() time.Duration  { return f.cfg.Grace }
func (f *FSM) DependsOn() []string   { return f.cfg.DependsOn }
func (f *FSM) Sequential() bool      { return f.cfg.Sequential }
func (f *FSM) FullShutdown() bool    { return f.cfg.FullShutdown }

// Handle submits a control-port command to the FSM's single worker and
// blocks for its result (§4.7: "serializes transitions on a single worker").
func (f *FSM) Handle(ctx context.Context, cmd Cmd, cluster *types.Cluster) (Result, error) {
	return f.submit(ctx, request{cmd: cmd, cluster: cluster})
}

// Signal forwards an OS signal to the hook's Signaled capability, serialized
// alongside every other transition.
func (f *FSM) Signal(ctx context.Context, sig os.Signal) error {
	_, err := f.submit(ctx, request{cmd: cmdSignal, sig: sig})
	return err
}

func (f *FSM) submit(ctx context.Context, req request) (Result, error) {
	req.respCh = make(chan response, 1)
	select {
	case f.reqCh <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-f.stopCh:
		return Result{}, errors.New("lifecycle: fsm stopped")
	}
	select {
	case resp := <-req.respCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *FSM) run() {
	var childEvents <-chan supervisor.Event
	if f.sup != nil {
		childEvents = f.sup.Events()
	}
	for {
		select {
		case req := <-f.reqCh:
			req.respCh <- f.process(req)
		case ev := <-childEvents:
			f.onChildEvent(ev)
		case <-f.stopCh:
			return
		}
	}
}

func (f *FSM) process(req request) response {
	switch req.cmd {
	case CmdCheck:
		return f.handleCheck(req.cluster)
	case CmdOn:
		return f.handleOn(req.cluster)
	case CmdOff:
		return f.handleOff()
	case CmdKill:
		return f.handleKill()
	case cmdSignal:
		err := f.hook.Signaled(req.sig)
		return response{result: Result{State: f.State()}, err: err}
	default:
		return response{err: fmt.Errorf("lifecycle: unknown command %q", req.cmd)}
	}
}

func (f *FSM) isGone() bool {
	s := f.State()
	return s == StateDead || s == StateFailed
}

func (f *FSM) transition(from, to State) {
	f.mu.Lock()
	f.state = to
	f.mu.Unlock()
	metrics.FSMTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	f.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("lifecycle transition")
	f.publishProcess(to)
}

func (f *FSM) publishProcess(s State) {
	if f.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.publisher.UpdateProcess(ctx, ProcessState(s)); err != nil {
		f.logger.Warn().Err(err).Msg("failed to republish process state")
	}
}

// handleCheck runs can_configure only, without committing to a
// reconfiguration (§6 /control/check).
func (f *FSM) handleCheck(cluster *types.Cluster) response {
	if f.isGone() {
		return response{result: Result{State: f.State(), Gone: true}}
	}
	prev := f.State()
	f.transition(prev, StateChecking)
	ok := f.hook.CanConfigure(cluster)
	f.transition(StateChecking, prev)
	if !ok {
		return response{result: Result{State: prev}, err: ErrRejected}
	}
	return response{result: Result{State: prev}}
}

// handleOn drives CHECKING → (STOPPING) → CONFIGURING → RUNNING (§6
// /control/on, §4.7).
func (f *FSM) handleOn(cluster *types.Cluster) response {
	if f.isGone() {
		return response{result: Result{State: f.State(), Gone: true}}
	}
	prev := f.State()
	f.transition(prev, StateChecking)
	if !f.hook.CanConfigure(cluster) {
		f.transition(StateChecking, prev)
		return response{result: Result{State: prev}, err: ErrRejected}
	}

	if prev == StateRunning {
		f.transition(StateChecking, StateStopping)
		f.stopChild()
		f.transition(StateStopping, StateConfiguring)
	} else {
		f.transition(StateChecking, StateConfiguring)
	}

	if err := f.configure(cluster); err != nil {
		f.transition(StateConfiguring, StateFailed)
		return response{result: Result{State: StateFailed}, err: err}
	}
	f.transition(StateConfiguring, StateRunning)
	return response{result: Result{State: StateRunning}}
}

func (f *FSM) configure(cluster *types.Cluster) error {
	if err := f.hook.Configure(cluster); err != nil {
		return fmt.Errorf("configure hook: %w", err)
	}
	if f.piped == nil {
		return nil
	}
	cmd, err := f.piped.ConfigureCommand(cluster)
	if err != nil {
		return fmt.Errorf("configure command: %w", err)
	}
	if err := f.sup.Start(cmd); err != nil {
		return fmt.Errorf("start child: %w", err)
	}
	return nil
}

// handleOff tears the pod down to IDLE (§6 /control/off, §4.8).
func (f *FSM) handleOff() response {
	prev := f.State()
	if prev != StateRunning && prev != StateConfiguring && prev != StateChecking {
		return response{result: Result{State: prev}}
	}
	f.transition(prev, StateStopping)
	f.stopChild()
	if err := f.hook.TearDown(); err != nil {
		f.logger.Warn().Err(err).Msg("tear_down hook failed")
	}
	f.transition(StateStopping, StateIdle)

	if f.cfg.FullShutdown {
		f.logger.Info().Msg("full_shutdown set, exiting agent after teardown")
		os.Exit(0)
	}
	return response{result: Result{State: StateIdle}}
}

// handleKill forces a permanent DEAD, bypassing any grace period (§6
// /control/kill).
func (f *FSM) handleKill() response {
	prev := f.State()
	if prev == StateDead {
		return response{result: Result{State: StateDead}}
	}
	f.transition(prev, StateStopping)
	if f.sup != nil {
		f.sup.Kill()
	}
	if err := f.hook.TearDown(); err != nil {
		f.logger.Warn().Err(err).Msg("tear_down hook failed during kill")
	}
	f.transition(StateStopping, StateDead)
	return response{result: Result{State: StateDead}}
}

func (f *FSM) stopChild() {
	if f.sup == nil || !f.sup.Running() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Grace+5*time.Second)
	defer cancel()
	if err := f.sup.Stop(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("graceful stop did not complete before deadline")
	}
}

// onChildEvent reacts to an unsolicited supervisor outcome: a voluntary
// clean exit or exhausting the restart budget (§4.8).
func (f *FSM) onChildEvent(ev supervisor.Event) {
	from := f.State()
	switch ev.Outcome {
	case supervisor.OutcomeDead:
		f.transition(from, StateDead)
		if f.cfg.FullShutdown {
			f.logger.Info().Msg("child exited cleanly and full_shutdown set, exiting agent")
			os.Exit(0)
		}
	case supervisor.OutcomeFailed:
		f.logger.Warn().Err(ev.Err).Msg("child exhausted its restart budget")
		f.transition(from, StateFailed)
	}
}
