package watcher

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/cluster"
	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/types"
)

const defaultDamper = 10 * time.Second

// Watcher is C5: the leader-only membership and dependency observer. It
// never runs on a follower — callers start one only after winning
// election and stop it the moment the lock is lost.
type Watcher struct {
	client     *coordination.Client
	clusterKey string
	podsPath   string
	depPaths   map[string]string // dependency cluster key -> its /hash node path
	damper     time.Duration
	logger     zerolog.Logger

	mu            sync.Mutex
	members       map[string]*types.PodDescriptor // registration path -> descriptor
	depHashes     map[string]string
	lastSweepHash string

	dirtyCh chan struct{}
	sweepCh chan *types.Cluster
	stopCh  chan struct{}
}

// New creates a Watcher. damper <= 0 uses the spec's default of 10s (§4.7).
func New(client *coordination.Client, clusterKey, podsPath string, depPaths map[string]string, damper time.Duration) *Watcher {
	if damper <= 0 {
		damper = defaultDamper
	}
	return &Watcher{
		client:     client,
		clusterKey: clusterKey,
		podsPath:   podsPath,
		depPaths:   depPaths,
		damper:     damper,
		logger:     log.WithComponent("watcher"),
		members:    make(map[string]*types.PodDescriptor),
		depHashes:  make(map[string]string),
		dirtyCh:    make(chan struct{}, 1),
		sweepCh:    make(chan *types.Cluster, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start begins watching cluster membership and every declared dependency's
// hash node, and begins the damper loop.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchMembers(ctx)
	for key, path := range w.depPaths {
		go w.watchDependency(ctx, key, path)
	}
	go w.damperLoop(ctx)
}

// Stop ends every watch goroutine and the damper loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

// Sweeps returns the channel of cluster snapshots the damper decided are
// worth a reconfiguration sweep.
func (w *Watcher) Sweeps() <-chan *types.Cluster {
	return w.sweepCh
}

func (w *Watcher) watchMembers(ctx context.Context) {
	for {
		children, watch, err := w.client.Children(w.podsPath, true)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to watch cluster membership")
			return
		}
		w.refreshMembers(children)
		w.signalDirty("members")

		select {
		case <-watch:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) refreshMembers(childPaths []string) {
	members := make(map[string]*types.PodDescriptor, len(childPaths))
	for _, path := range childPaths {
		data, _, err := w.client.Get(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to read member descriptor, skipping")
			continue
		}
		var d types.PodDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to decode member descriptor, skipping")
			continue
		}
		// Seq/Index are not in the JSON payload; recover them from the
		// 10-digit sequence suffix of the registration path.
		if len(path) >= 10 {
			if seq, err := strconv.Atoi(path[len(path)-10:]); err == nil {
				d.Seq, d.Index = seq, seq
			}
		}
		members[path] = &d
	}

	w.mu.Lock()
	w.members = members
	w.mu.Unlock()
}

func (w *Watcher) watchDependency(ctx context.Context, depKey, hashPath string) {
	for {
		_, watch, err := w.client.Exists(hashPath, true)
		if err != nil {
			w.logger.Error().Err(err).Str("dependency", depKey).Msg("failed to watch dependency hash")
			return
		}

		if data, _, err := w.client.Get(hashPath); err == nil {
			w.mu.Lock()
			w.depHashes[depKey] = string(data)
			w.mu.Unlock()
		}
		w.signalDirty("dependency")

		select {
		case <-watch:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) signalDirty(kind string) {
	metrics.WatchEventsTotal.WithLabelValues(kind).Inc()
	select {
	case w.dirtyCh <- struct{}{}:
	default:
	}
}

// damperLoop restarts a D-second timer on every dirty signal; a sweep is
// only considered once the timer elapses with no intervening signal
// (§4.5).
func (w *Watcher) damperLoop(ctx context.Context) {
	var timerC <-chan time.Time

	for {
		select {
		case <-w.dirtyCh:
			timerC = time.After(w.damper)

		case <-timerC:
			timerC = nil
			metrics.DamperFiresTotal.Inc()
			w.maybeSweep()

		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) maybeSweep() {
	w.mu.Lock()
	members := make(map[string]*types.PodDescriptor, len(w.members))
	for k, v := range w.members {
		members[k] = v
	}
	deps := make(map[string]string, len(w.depHashes))
	for k, v := range w.depHashes {
		deps[k] = v
	}
	lastHash := w.lastSweepHash
	w.mu.Unlock()

	snapshot := cluster.Build(w.clusterKey, members, deps)
	hash, err := cluster.Hash(snapshot)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to hash cluster snapshot")
		return
	}

	if hash == lastHash {
		metrics.DamperSweepsSkippedTotal.Inc()
		w.logger.Debug().Str("hash", hash).Msg("snapshot unchanged since last sweep, skipping")
		return
	}

	w.mu.Lock()
	w.lastSweepHash = hash
	w.mu.Unlock()

	select {
	case w.sweepCh <- snapshot:
	default:
		w.logger.Warn().Msg("sweep channel full, dropping signal (driver is still processing the previous one)")
	}
}
