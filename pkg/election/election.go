package election

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/types"
)

// Election runs one candidate's side of the sequential-ephemeral lock
// recipe against a cluster's lock path.
type Election struct {
	client   *coordination.Client
	lockPath string
	logger   zerolog.Logger

	mu       sync.Mutex
	nodePath string
	role     types.PodRole
	stopped  bool

	roleCh chan types.PodRole
	stopCh chan struct{}
}

// New creates an Election over the given cluster lock path
// (/ochopod/clusters/<cluster>/lock).
func New(client *coordination.Client, lockPath string) *Election {
	return &Election{
		client:   client,
		lockPath: strings.TrimSuffix(lockPath, "/"),
		logger:   log.WithComponent("election"),
		roleCh:   make(chan types.PodRole, 1),
		stopCh:   make(chan struct{}),
	}
}

// Campaign creates this candidate's lock node and starts the watch loop
// that re-evaluates leadership whenever the immediate predecessor departs.
func (e *Election) Campaign(ctx context.Context) error {
	path, err := e.client.CreateEphemeralSequential(e.lockPath+"/n-", nil)
	if err != nil {
		return fmt.Errorf("election: create lock node: %w", err)
	}

	e.mu.Lock()
	e.nodePath = path
	e.mu.Unlock()

	e.logger.Info().Str("node", path).Msg("entered leader election")

	go e.run(ctx)
	return nil
}

func (e *Election) run(ctx context.Context) {
	for {
		predecessor, watch, err := e.evaluate()
		if err != nil {
			e.logger.Error().Err(err).Msg("election evaluation failed")
			return
		}
		if predecessor == "" {
			e.setRole(types.RoleLeader)
			return
		}
		e.setRole(types.RoleFollower)

		select {
		case <-watch:
			// predecessor departed (or was recreated); loop and re-evaluate.
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// evaluate lists every candidate under the lock path, locates this node's
// rank, and returns the immediate predecessor's path with a fire-once
// watch armed on it. An empty predecessor means this candidate is leader.
func (e *Election) evaluate() (string, <-chan *struct{}, error) {
	children, _, err := e.client.Children(e.lockPath, false)
	if err != nil {
		return "", nil, fmt.Errorf("list lock candidates: %w", err)
	}

	e.mu.Lock()
	own := e.nodePath
	e.mu.Unlock()

	sortCandidates(children)

	idx := -1
	for i, c := range children {
		if c == own {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", nil, fmt.Errorf("own lock node %s not found among candidates %v", own, children)
	}
	if idx == 0 {
		return "", nil, nil
	}

	predPath := children[idx-1]

	exists, watch, err := e.client.Exists(predPath, true)
	if err != nil {
		return "", nil, fmt.Errorf("watch predecessor %s: %w", predPath, err)
	}
	if !exists {
		// Predecessor already gone; re-evaluate immediately via a
		// pre-closed channel so run() loops straight back to evaluate().
		closed := make(chan *struct{})
		close(closed)
		return predPath, closed, nil
	}

	wrapped := make(chan *struct{}, 1)
	go func() {
		<-watch
		wrapped <- nil
		close(wrapped)
	}()
	return predPath, wrapped, nil
}

func sortCandidates(names []string) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

func (e *Election) setRole(role types.PodRole) {
	e.mu.Lock()
	changed := e.role != role
	e.role = role
	e.mu.Unlock()

	if !changed {
		return
	}
	if role == types.RoleLeader {
		metrics.IsLeader.Set(1)
		metrics.LeaderChangesTotal.Inc()
	} else {
		metrics.IsLeader.Set(0)
	}
	e.logger.Info().Str("role", string(role)).Msg("leadership role changed")

	select {
	case e.roleCh <- role:
	default:
		// drain stale value, then push the fresh one
		select {
		case <-e.roleCh:
		default:
		}
		e.roleCh <- role
	}
}

// RoleEvents returns a channel receiving this candidate's role whenever it
// changes, starting with the first evaluation after Campaign. The channel
// is never closed, not even by Stop.
func (e *Election) RoleEvents() <-chan types.PodRole {
	return e.roleCh
}

// IsLeader reports whether this candidate currently holds the lock.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == types.RoleLeader
}

// Stop ends the watch loop. The lock node itself is reclaimed only when
// the owning session ends (§4.4) — Stop does not delete it explicitly,
// matching the recipe's reliance on ephemeral-node semantics.
func (e *Election) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	close(e.stopCh)
}
