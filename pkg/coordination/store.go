package coordination

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes = []byte("nodes")
	bucketSeq   = []byte("sequence_counters")
)

// ErrNodeNotFound is returned by Get/Set/Delete when a path has no node.
type ErrNodeNotFound struct{ Path string }

func (e *ErrNodeNotFound) Error() string { return fmt.Sprintf("node not found: %s", e.Path) }

// ErrVersionMismatch is returned by Set/Delete when the caller's expected
// version is stale — a concurrent writer beat it to the node.
type ErrVersionMismatch struct {
	Path     string
	Expected int
	Actual   int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("version mismatch on %s: expected %d, got %d", e.Path, e.Expected, e.Actual)
}

// Store is the node-tree storage primitive the Raft FSM applies commands
// against. It is never called directly by actors outside this package —
// only the FSM and Client's read path touch it.
type Store interface {
	Create(node *Node) (*Node, error)
	Set(path string, data []byte, expectedVersion int) (*Node, error)
	Get(path string) (*Node, error)
	Delete(path string, expectedVersion int) error
	Children(path string) ([]string, error)
	Exists(path string) bool
	RemoveEphemeralsForOwner(owner string) ([]*Node, error)
	Snapshot() ([]*Node, error)
	Restore(nodes []*Node) error
	Close() error
}

// BoltStore implements Store on top of bbolt, keyed by the node's full path.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the node-tree database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coordination.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSeq)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create inserts a node, assigning a sequence number and rewriting its path
// when Sequential is set (the path becomes "<prefix><10-digit-seq>").
func (s *BoltStore) Create(node *Node) (*Node, error) {
	out := *node
	out.CreatedAt = time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		seqB := tx.Bucket(bucketSeq)

		if out.Sequential {
			parent := filepath.Dir(out.Path)
			next, err := nextSeq(seqB, parent)
			if err != nil {
				return err
			}
			out.Seq = next
			out.Path = fmt.Sprintf("%s%010d", out.Path, next)
		} else if nodes.Get([]byte(out.Path)) != nil {
			return fmt.Errorf("node already exists: %s", out.Path)
		}

		out.Version = 0
		data, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(out.Path), data)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func nextSeq(seqB *bolt.Bucket, parent string) (int, error) {
	key := []byte(parent)
	var n int
	if v := seqB.Get(key); v != nil {
		if _, err := fmt.Sscanf(string(v), "%d", &n); err != nil {
			return 0, fmt.Errorf("corrupt sequence counter for %s: %w", parent, err)
		}
	}
	n++
	return n, seqB.Put(key, []byte(fmt.Sprintf("%d", n)))
}

// Set overwrites a node's payload, bumping its version. expectedVersion < 0
// skips the optimistic-concurrency check (used for the registry's own
// descriptor rewrites, which always win).
func (s *BoltStore) Set(path string, data []byte, expectedVersion int) (*Node, error) {
	var out Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		raw := nodes.Get([]byte(path))
		if raw == nil {
			return &ErrNodeNotFound{Path: path}
		}
		var existing Node
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		if expectedVersion >= 0 && existing.Version != expectedVersion {
			return &ErrVersionMismatch{Path: path, Expected: expectedVersion, Actual: existing.Version}
		}
		existing.Data = data
		existing.Version++
		out = existing

		updated, err := json.Marshal(&existing)
		if err != nil {
			return err
		}
		return nodes.Put([]byte(path), updated)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) Get(path string) (*Node, error) {
	var out Node
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(path))
		if raw == nil {
			return &ErrNodeNotFound{Path: path}
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) Delete(path string, expectedVersion int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		raw := nodes.Get([]byte(path))
		if raw == nil {
			return &ErrNodeNotFound{Path: path}
		}
		if expectedVersion >= 0 {
			var existing Node
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if existing.Version != expectedVersion {
				return &ErrVersionMismatch{Path: path, Expected: expectedVersion, Actual: existing.Version}
			}
		}
		return nodes.Delete([]byte(path))
	})
}

// Children lists the immediate child paths of path, sorted lexically (which
// for sequential children is also seq order, since seq is zero-padded).
func (s *BoltStore) Children(path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	var children []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if !strings.Contains(rest, "/") {
				children = append(children, string(k))
			}
		}
		return nil
	})
	sort.Strings(children)
	return children, err
}

func (s *BoltStore) Exists(path string) bool {
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketNodes).Get([]byte(path)) != nil
		return nil
	})
	return found
}

// RemoveEphemeralsForOwner deletes every ephemeral node owned by a session,
// called once when that session transitions to Lost (§4.1, §5).
func (s *BoltStore) RemoveEphemeralsForOwner(owner string) ([]*Node, error) {
	var removed []*Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		c := nodes.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Ephemeral && n.Owner == owner {
				cp := n
				removed = append(removed, &cp)
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := nodes.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// Snapshot returns every node in the tree, used by the Raft FSM to persist
// a point-in-time snapshot (mirrors pkg/manager/fsm.go's WarrenSnapshot).
func (s *BoltStore) Snapshot() ([]*Node, error) {
	var all []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			all = append(all, &n)
			return nil
		})
	})
	return all, err
}

// Restore replaces the entire node tree, used when the FSM replays a Raft
// snapshot on startup or catch-up.
func (s *BoltStore) Restore(nodes []*Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(n.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}
