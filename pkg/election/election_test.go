package election

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

func awaitRole(t *testing.T, e *Election, want types.PodRole) {
	t.Helper()
	select {
	case role := <-e.RoleEvents():
		if role != want {
			t.Fatalf("expected role %s, got %s", want, role)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for role %s", want)
	}
}

func TestElection_SoleCandidateBecomesLeader(t *testing.T) {
	c := newTestClient(t)
	e := New(c, "/ochopod/clusters/demo/lock")

	if err := e.Campaign(context.Background()); err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	awaitRole(t, e, types.RoleLeader)

	if !e.IsLeader() {
		t.Error("expected sole candidate to be leader")
	}
	e.Stop()
}

func TestElection_SecondCandidateFollowsThenPromotes(t *testing.T) {
	c := newTestClient(t)

	first := New(c, "/ochopod/clusters/demo/lock")
	if err := first.Campaign(context.Background()); err != nil {
		t.Fatalf("Campaign first: %v", err)
	}
	awaitRole(t, first, types.RoleLeader)

	second := New(c, "/ochopod/clusters/demo/lock")
	if err := second.Campaign(context.Background()); err != nil {
		t.Fatalf("Campaign second: %v", err)
	}

	select {
	case role := <-second.RoleEvents():
		if role != types.RoleFollower {
			t.Fatalf("expected second candidate to follow, got %s", role)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second candidate's follower role")
	}

	if err := c.Delete(first.nodePath); err != nil {
		t.Fatalf("delete first candidate's lock node: %v", err)
	}

	awaitRole(t, second, types.RoleLeader)
	if !second.IsLeader() {
		t.Error("expected second candidate promoted to leader after first's node vanished")
	}

	first.Stop()
	second.Stop()
}
