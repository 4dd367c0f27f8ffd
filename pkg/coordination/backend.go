package coordination

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// BackendConfig configures the embedded Raft instance backing the node tree.
type BackendConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// JoinAddr is the HTTP join address (host:port serving POST /raft/join)
	// of an already-running member of the coordination-service ensemble.
	// Empty means this node bootstraps a brand-new single-node ensemble —
	// the first pod of a fresh deployment, or a standalone dev run.
	JoinAddr string
}

// Backend wraps the Raft instance that replicates and durably persists the
// coordination service's node tree. It is the substrate the ZK-recipe
// client (pkg/election, pkg/registry) is built on top of: Raft makes the
// coordination *service* itself durable and consistent, the recipes built
// on Client implement the actual election/registration semantics.
type Backend struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *FSM
}

// NewBackend creates the Raft transport/log/snapshot stores and the Raft
// instance itself, tuned for LAN failover (mirrors the teacher's tuned
// HeartbeatTimeout/ElectionTimeout/CommitTimeout/LeaderLeaseTimeout).
func NewBackend(cfg BackendConfig, fsm *FSM) (*Backend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft instance: %w", err)
	}

	b := &Backend{nodeID: cfg.NodeID, bindAddr: cfg.BindAddr, dataDir: cfg.DataDir, raft: r, fsm: fsm}

	if cfg.JoinAddr == "" {
		if err := b.bootstrap(transport.LocalAddr()); err != nil {
			return nil, err
		}
	} else {
		if err := b.join(cfg.JoinAddr); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func (b *Backend) bootstrap(localAddr raft.ServerAddress) error {
	future := b.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(b.nodeID), Address: localAddr}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap coordination ensemble: %w", err)
	}
	return nil
}

type joinRequest struct {
	NodeID   string `json:"node_id"`
	BindAddr string `json:"bind_addr"`
}

func (b *Backend) join(joinAddr string) error {
	body, err := json.Marshal(joinRequest{NodeID: b.nodeID, BindAddr: b.bindAddr})
	if err != nil {
		return err
	}

	resp, err := http.Post("http://"+joinAddr+"/raft/join", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contact coordination ensemble at %s: %w", joinAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join rejected by %s: status %d", joinAddr, resp.StatusCode)
	}
	return nil
}

// JoinHandler returns the HTTP handler an existing ensemble member serves
// on /raft/join so new nodes can be added as Raft voters without a gRPC
// dependency.
func (b *Backend) JoinHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !b.IsLeader() {
			http.Error(w, "not leader, leader is "+string(b.LeaderAddr()), http.StatusTemporaryRedirect)
			return
		}

		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		future := b.raft.AddVoter(raft.ServerID(req.NodeID), raft.ServerAddress(req.BindAddr), 0, 10*time.Second)
		if err := future.Error(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// Apply replicates cmd through the Raft log and returns the FSM's result
// once committed.
func (b *Backend) Apply(cmd Command, timeout time.Duration) (ApplyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("encode command: %w", err)
	}

	future := b.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return ApplyResult{}, fmt.Errorf("raft apply: %w", err)
	}

	result, ok := future.Response().(ApplyResult)
	if !ok {
		return ApplyResult{}, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	return result, result.Err
}

func (b *Backend) IsLeader() bool {
	return b.raft.State() == raft.Leader
}

func (b *Backend) LeaderAddr() string {
	addr, _ := b.raft.LeaderWithID()
	return string(addr)
}

// Stats returns Raft's full internal stats map (raft.Raft.Stats).
func (b *Backend) Stats() map[string]string {
	return b.raft.Stats()
}

// Shutdown gracefully shuts down the Raft instance.
func (b *Backend) Shutdown() error {
	return b.raft.Shutdown().Error()
}
