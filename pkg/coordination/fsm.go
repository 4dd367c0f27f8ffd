package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/ochopod/pod-agent/pkg/events"
)

// FSM applies committed Raft log entries to the node-tree Store and fans
// out the resulting mutation as a watch-firing event. One FSM per agent
// process; it is driven exclusively by the embedded Raft instance owned
// by Backend.
type FSM struct {
	mu     sync.Mutex
	store  Store
	broker *events.Broker
}

// NewFSM creates a new FSM over store, publishing mutation events to broker.
func NewFSM(store Store, broker *events.Broker) *FSM {
	return &FSM{store: store, broker: broker}
}

// Op identifies the kind of node-tree mutation encoded in a Command.
type Op string

const (
	OpCreate                   Op = "create"
	OpSet                      Op = "set"
	OpDelete                   Op = "delete"
	OpRemoveEphemeralsForOwner Op = "remove_ephemerals_for_owner"
)

// Command is the unit of replication through the Raft log.
type Command struct {
	Op              Op     `json:"op"`
	Node            *Node  `json:"node,omitempty"`
	Path            string `json:"path,omitempty"`
	Data            []byte `json:"data,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
	Owner           string `json:"owner,omitempty"`
}

// ApplyResult is what Apply returns through raft.Log; Client type-asserts
// this out of the raft.ApplyFuture's Response().
type ApplyResult struct {
	Node     *Node
	Children []string
	Removed  []*Node
	Err      error
}

// Apply applies one committed command to the store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return ApplyResult{Err: fmt.Errorf("decode command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreate:
		n, err := f.store.Create(cmd.Node)
		if err == nil {
			f.publish(events.EventNodeCreated, n.Path)
			f.publish(events.EventNodeChildrenChanged, parentOf(n.Path))
		}
		return ApplyResult{Node: n, Err: err}

	case OpSet:
		n, err := f.store.Set(cmd.Path, cmd.Data, cmd.ExpectedVersion)
		if err == nil {
			f.publish(events.EventNodeDataChanged, cmd.Path)
		}
		return ApplyResult{Node: n, Err: err}

	case OpDelete:
		err := f.store.Delete(cmd.Path, cmd.ExpectedVersion)
		if err == nil {
			f.publish(events.EventNodeDeleted, cmd.Path)
			f.publish(events.EventNodeChildrenChanged, parentOf(cmd.Path))
		}
		return ApplyResult{Err: err}

	case OpRemoveEphemeralsForOwner:
		removed, err := f.store.RemoveEphemeralsForOwner(cmd.Owner)
		if err == nil {
			for _, n := range removed {
				f.publish(events.EventNodeDeleted, n.Path)
				f.publish(events.EventNodeChildrenChanged, parentOf(n.Path))
			}
		}
		return ApplyResult{Removed: removed, Err: err}

	default:
		return ApplyResult{Err: fmt.Errorf("unknown command op: %s", cmd.Op)}
	}
}

func (f *FSM) publish(kind events.EventType, path string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{Type: kind, Path: path})
}

// parentOf returns the parent path of any node path by dropping its last
// segment; a top-level path's parent is "/".
func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// Snapshot creates a point-in-time snapshot of the node tree for Raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nodes, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot node tree: %w", err)
	}
	return &fsmSnapshot{Nodes: nodes}, nil
}

// Restore replaces the node tree from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.store.Restore(snap.Nodes)
}

type fsmSnapshot struct {
	Nodes []*Node
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
