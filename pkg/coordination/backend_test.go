package coordination

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func waitForLeader(t *testing.T, b *Backend, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("backend never became leader")
}

// TestBackend_JoinHandlerAddsVoter exercises the join transport end to end:
// a bootstrapped leader serves JoinHandler over plain HTTP, and a second
// backend's join() call against that listener succeeds in growing the
// ensemble past one node.
func TestBackend_JoinHandlerAddsVoter(t *testing.T) {
	fsmA, _, _ := newTestFSM(t)
	a, err := NewBackend(BackendConfig{
		NodeID:   "node-a",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, fsmA)
	if err != nil {
		t.Fatalf("NewBackend a: %v", err)
	}
	defer a.Shutdown()
	waitForLeader(t, a, 5*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/raft/join", a.JoinHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()
	joinAddr := strings.TrimPrefix(srv.URL, "http://")

	fsmB, _, _ := newTestFSM(t)
	b, err := NewBackend(BackendConfig{
		NodeID:   "node-b",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
		JoinAddr: joinAddr,
	}, fsmB)
	if err != nil {
		t.Fatalf("NewBackend b (join): %v", err)
	}
	defer b.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Stats()["num_peers"] != "0" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected the leader's ensemble to grow past one node, stats: %v", a.Stats())
}
