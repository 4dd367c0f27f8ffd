package coordination

import (
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_CreatePersistent(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Create(&Node{Path: "/ochopod/clusters/demo", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.Path != "/ochopod/clusters/demo" {
		t.Errorf("expected unchanged path, got %s", n.Path)
	}
	if n.Version != 0 {
		t.Errorf("expected version 0, got %d", n.Version)
	}

	if _, err := s.Create(&Node{Path: "/ochopod/clusters/demo"}); err == nil {
		t.Error("expected error creating duplicate persistent node")
	}
}

func TestBoltStore_CreateEphemeralSequential(t *testing.T) {
	s := newTestStore(t)

	prefix := "/ochopod/clusters/demo/pods/pod-"
	n1, err := s.Create(&Node{Path: prefix, Ephemeral: true, Sequential: true, Owner: "session-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	n2, err := s.Create(&Node{Path: prefix, Ephemeral: true, Sequential: true, Owner: "session-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n1.Path == n2.Path {
		t.Fatalf("expected distinct sequential paths, got %s twice", n1.Path)
	}
	if n1.Seq >= n2.Seq {
		t.Errorf("expected increasing sequence numbers, got %d then %d", n1.Seq, n2.Seq)
	}
}

func TestBoltStore_SetVersioning(t *testing.T) {
	s := newTestStore(t)

	n, _ := s.Create(&Node{Path: "/a", Data: []byte("v0")})

	updated, err := s.Set("/a", []byte("v1"), n.Version)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("expected version 1, got %d", updated.Version)
	}

	if _, err := s.Set("/a", []byte("stale"), 0); err == nil {
		t.Error("expected version mismatch error on stale write")
	}

	if _, err := s.Set("/a", []byte("force"), -1); err != nil {
		t.Errorf("Set with expectedVersion -1 should skip the check: %v", err)
	}
}

func TestBoltStore_DeleteAndExists(t *testing.T) {
	s := newTestStore(t)

	s.Create(&Node{Path: "/a"})
	if !s.Exists("/a") {
		t.Fatal("expected /a to exist")
	}

	if err := s.Delete("/a", -1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("/a") {
		t.Error("expected /a to be gone after delete")
	}

	if err := s.Delete("/a", -1); err == nil {
		t.Error("expected error deleting a node that no longer exists")
	}
}

func TestBoltStore_Children(t *testing.T) {
	s := newTestStore(t)

	s.Create(&Node{Path: "/ochopod/clusters/demo"})
	s.Create(&Node{Path: "/ochopod/clusters/demo/pods/pod-0000000001"})
	s.Create(&Node{Path: "/ochopod/clusters/demo/pods/pod-0000000002"})
	s.Create(&Node{Path: "/ochopod/clusters/demo/pods/pod-0000000002/nested"})

	children, err := s.Children("/ochopod/clusters/demo/pods")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 immediate children, got %d: %v", len(children), children)
	}
	if children[0] >= children[1] {
		t.Errorf("expected lexically sorted children, got %v", children)
	}
}

func TestBoltStore_RemoveEphemeralsForOwner(t *testing.T) {
	s := newTestStore(t)

	s.Create(&Node{Path: "/ochopod/clusters/demo/pods/pod-", Ephemeral: true, Sequential: true, Owner: "session-a"})
	s.Create(&Node{Path: "/ochopod/clusters/demo/pods/pod-", Ephemeral: true, Sequential: true, Owner: "session-b"})
	s.Create(&Node{Path: "/ochopod/clusters/demo"})

	removed, err := s.RemoveEphemeralsForOwner("session-a")
	if err != nil {
		t.Fatalf("RemoveEphemeralsForOwner: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 node removed, got %d", len(removed))
	}

	remaining, _ := s.Children("/ochopod/clusters/demo/pods")
	if len(remaining) != 1 {
		t.Fatalf("expected session-b's node to survive, got %d remaining", len(remaining))
	}
}

func TestBoltStore_SnapshotRestore(t *testing.T) {
	s := newTestStore(t)

	s.Create(&Node{Path: "/a", Data: []byte("one")})
	s.Create(&Node{Path: "/b", Data: []byte("two")})

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("expected 2 nodes in snapshot, got %d", len(snap))
	}

	s2 := newTestStore(t)
	if err := s2.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !s2.Exists("/a") || !s2.Exists("/b") {
		t.Error("expected restored store to contain both nodes")
	}
}
