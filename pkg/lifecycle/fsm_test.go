package lifecycle

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/supervisor"
	"github.com/ochopod/pod-agent/pkg/types"
)

type fakeReactive struct {
	mu         sync.Mutex
	accept     bool
	configured int
	tornDown   int
}

func (f *fakeReactive) Initialize() error { return nil }
func (f *fakeReactive) CanConfigure(*types.Cluster) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accept
}
func (f *fakeReactive) Configure(*types.Cluster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured++
	return nil
}
func (f *fakeReactive) TearDown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown++
	return nil
}
func (f *fakeReactive) Signaled(os.Signal) error { return nil }
func (f *fakeReactive) Finalize() error          { return nil }

func newFSM(t *testing.T, accept bool) (*FSM, *fakeReactive) {
	t.Helper()
	hook := &fakeReactive{accept: accept}
	fsm := New(hook, ResolveConfig(Config{}), zerolog.Nop())
	if err := fsm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(fsm.Stop)
	return fsm, hook
}

func TestFSM_OnTransitionsToRunning(t *testing.T) {
	fsm, hook := newFSM(t, true)
	ctx := context.Background()

	res, err := fsm.Handle(ctx, CmdOn, &types.Cluster{})
	if err != nil {
		t.Fatalf("Handle(on): %v", err)
	}
	if res.State != StateRunning {
		t.Fatalf("expected RUNNING, got %s", res.State)
	}
	if hook.configured != 1 {
		t.Fatalf("expected configure to run once, got %d", hook.configured)
	}
}

func TestFSM_OnRejectedReturnsErrRejected(t *testing.T) {
	fsm, _ := newFSM(t, false)
	ctx := context.Background()

	res, err := fsm.Handle(ctx, CmdOn, &types.Cluster{})
	if err != ErrRejected {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.State != StateIdle {
		t.Fatalf("expected state to remain IDLE on rejection, got %s", res.State)
	}
}

func TestFSM_OffTearsDownAndReturnsIdle(t *testing.T) {
	fsm, hook := newFSM(t, true)
	ctx := context.Background()

	if _, err := fsm.Handle(ctx, CmdOn, &types.Cluster{}); err != nil {
		t.Fatalf("Handle(on): %v", err)
	}
	res, err := fsm.Handle(ctx, CmdOff, nil)
	if err != nil {
		t.Fatalf("Handle(off): %v", err)
	}
	if res.State != StateIdle {
		t.Fatalf("expected IDLE, got %s", res.State)
	}
	if hook.tornDown != 1 {
		t.Fatalf("expected tear_down to run once, got %d", hook.tornDown)
	}
}

func TestFSM_CheckDoesNotCommitState(t *testing.T) {
	fsm, hook := newFSM(t, true)
	ctx := context.Background()

	res, err := fsm.Handle(ctx, CmdCheck, &types.Cluster{})
	if err != nil {
		t.Fatalf("Handle(check): %v", err)
	}
	if res.State != StateIdle {
		t.Fatalf("expected state to remain IDLE after check, got %s", res.State)
	}
	if hook.configured != 0 {
		t.Fatal("check must not invoke configure")
	}
}

func TestFSM_KillFromRunningIsPermanent(t *testing.T) {
	fsm, _ := newFSM(t, true)
	ctx := context.Background()

	if _, err := fsm.Handle(ctx, CmdOn, &types.Cluster{}); err != nil {
		t.Fatalf("Handle(on): %v", err)
	}
	res, err := fsm.Handle(ctx, CmdKill, nil)
	if err != nil {
		t.Fatalf("Handle(kill): %v", err)
	}
	if res.State != StateDead {
		t.Fatalf("expected DEAD, got %s", res.State)
	}

	res, err = fsm.Handle(ctx, CmdOn, &types.Cluster{})
	if err != nil {
		t.Fatalf("Handle(on) after kill: %v", err)
	}
	if !res.Gone {
		t.Fatal("expected Gone=true once DEAD")
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	states []types.ProcessState
}

func (p *fakePublisher) UpdateProcess(ctx context.Context, state types.ProcessState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
	return nil
}

func (p *fakePublisher) last() types.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return ""
	}
	return p.states[len(p.states)-1]
}

func TestFSM_PublishesProcessStateOnTransition(t *testing.T) {
	hook := &fakeReactive{accept: true}
	fsm := New(hook, ResolveConfig(Config{}), zerolog.Nop())
	pub := &fakePublisher{}
	fsm.SetProcessPublisher(pub)
	if err := fsm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fsm.Stop()

	ctx := context.Background()
	if _, err := fsm.Handle(ctx, CmdOn, &types.Cluster{}); err != nil {
		t.Fatalf("Handle(on): %v", err)
	}
	if got := pub.last(); got != types.ProcessRunning {
		t.Fatalf("expected last published state to be RUNNING, got %s", got)
	}

	if _, err := fsm.Handle(ctx, CmdKill, nil); err != nil {
		t.Fatalf("Handle(kill): %v", err)
	}
	if got := pub.last(); got != types.ProcessDead {
		t.Fatalf("expected last published state to be DEAD, got %s", got)
	}
}

type fakePiped struct {
	fakeReactive
	program string
}

func (f *fakePiped) ConfigureCommand(*types.Cluster) (supervisor.Command, error) {
	return supervisor.Command{Program: f.program}, nil
}
func (f *fakePiped) SanityCheck(int) error { return nil }

func TestFSM_PipedOnStartsChildAndCleanExitGoesDead(t *testing.T) {
	hook := &fakePiped{fakeReactive: fakeReactive{accept: true}, program: "/bin/true"}
	fsm := New(hook, ResolveConfig(Config{CheckEvery: time.Hour}), zerolog.Nop())
	if err := fsm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fsm.Stop()

	ctx := context.Background()
	res, err := fsm.Handle(ctx, CmdOn, &types.Cluster{})
	if err != nil {
		t.Fatalf("Handle(on): %v", err)
	}
	if res.State != StateRunning {
		t.Fatalf("expected RUNNING, got %s", res.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fsm.State() == StateDead {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected FSM to observe child's clean exit and move to DEAD, stuck at %s", fsm.State())
}
