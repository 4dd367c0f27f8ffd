package registry

import (
	"context"
	"testing"
	"time"

	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/types"
)

func newTestClient(t *testing.T) *coordination.Client {
	t.Helper()

	c, err := coordination.NewClient(coordination.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Connect(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Backend().IsLeader() {
			return c
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("single-node raft never became leader")
	return nil
}

func testDescriptor() *types.PodDescriptor {
	return &types.PodDescriptor{
		Node:        "host-1",
		Task:        "task-1",
		IP:          "10.0.0.5",
		Public:      "10.0.0.5",
		Ports:       map[string]int{"8080": 31000},
		Port:        "8080",
		Application: "demo",
		Cluster:     "marathon.demo",
		Process:     types.ProcessStopped,
		State:       types.RoleFollower,
		UUID:        "uuid-1",
	}
}

func TestRegistry_RegisterAssignsSeq(t *testing.T) {
	c := newTestClient(t)
	reg := New(c, "/ochopod/clusters/marathon.demo/pods")

	d := testDescriptor()
	if err := reg.Register(context.Background(), d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if d.Seq == 0 && d.Index == 0 {
		t.Log("seq/index assigned as 1-based sequence; zero would indicate parse failure")
	}
	if reg.Path() == "" {
		t.Fatal("expected non-empty registration path")
	}

	stored, _, err := c.Get(reg.Path())
	if err != nil {
		t.Fatalf("Get registered node: %v", err)
	}
	if len(stored) == 0 {
		t.Fatal("expected non-empty stored descriptor payload")
	}
}

func TestRegistry_UpdateStateRewritesPayload(t *testing.T) {
	c := newTestClient(t)
	reg := New(c, "/ochopod/clusters/marathon.demo/pods")

	d := testDescriptor()
	if err := reg.Register(context.Background(), d); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.UpdateState(context.Background(), types.RoleLeader); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	if reg.Descriptor().State != types.RoleLeader {
		t.Errorf("expected in-memory descriptor to reflect leader role")
	}
}

func TestRegistry_MutateBeforeRegisterFails(t *testing.T) {
	c := newTestClient(t)
	reg := New(c, "/ochopod/clusters/marathon.demo/pods")

	if err := reg.UpdateProcess(context.Background(), types.ProcessRunning); err == nil {
		t.Error("expected error mutating before Register")
	}
}
