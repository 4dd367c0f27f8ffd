package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/types"
)

const createRetryBackoff = 500 * time.Millisecond

// Registry owns one pod's registration node under a cluster's pods path
// (§3, §4.3). It is the only thing allowed to write to that node.
type Registry struct {
	client     *coordination.Client
	podsPath   string
	maxRetries int
	logger     zerolog.Logger

	mu         sync.Mutex
	path       string
	descriptor *types.PodDescriptor
}

// New creates a Registry for the given cluster's pods path
// (/ochopod/clusters/<cluster>/pods).
func New(client *coordination.Client, podsPath string) *Registry {
	return &Registry{
		client:     client,
		podsPath:   strings.TrimSuffix(podsPath, "/"),
		maxRetries: 5,
		logger:     log.WithComponent("registry"),
	}
}

// Register creates the ephemeral sequential pod node, retrying transient
// coordination-service loss, and records the assigned seq/index on the
// descriptor. Failure after exhausting retries is fatal per §4.3.
func (r *Registry) Register(ctx context.Context, descriptor *types.PodDescriptor) error {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("registry: marshal descriptor: %w", err)
	}

	var path string
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		path, lastErr = r.client.CreateEphemeralSequential(r.podsPath+"/pod-", data)
		if lastErr == nil {
			break
		}
		r.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("registration attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createRetryBackoff):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("registry: register after %d attempts: %w", r.maxRetries, lastErr)
	}

	seq := seqFromPath(path)
	descriptor.Seq = seq
	descriptor.Index = seq

	r.mu.Lock()
	r.path = path
	r.descriptor = descriptor.Clone()
	r.mu.Unlock()

	r.logger.Info().Str("path", path).Int("seq", seq).Msg("pod registered")
	return nil
}

// seqFromPath extracts the zero-padded 10-digit sequence suffix the
// coordination store appended to the registration path.
func seqFromPath(path string) int {
	if len(path) < 10 {
		return 0
	}
	suffix := path[len(path)-10:]
	var n int
	fmt.Sscanf(suffix, "%d", &n)
	return n
}

// UpdateProcess rewrites the descriptor's process field and republishes it.
func (r *Registry) UpdateProcess(ctx context.Context, state types.ProcessState) error {
	return r.mutate(ctx, func(d *types.PodDescriptor) { d.Process = state })
}

// UpdateState rewrites the descriptor's leader/follower role and republishes it.
func (r *Registry) UpdateState(ctx context.Context, role types.PodRole) error {
	return r.mutate(ctx, func(d *types.PodDescriptor) { d.State = role })
}

func (r *Registry) mutate(ctx context.Context, fn func(*types.PodDescriptor)) error {
	r.mu.Lock()
	if r.descriptor == nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: not registered yet")
	}
	d := r.descriptor.Clone()
	fn(d)
	path := r.path
	r.descriptor = d
	r.mu.Unlock()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("registry: marshal descriptor: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if lastErr = r.client.Set(path, data); lastErr == nil {
			return nil
		}
		r.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("descriptor rewrite failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createRetryBackoff):
		}
	}
	return fmt.Errorf("registry: rewrite after %d attempts: %w", r.maxRetries, lastErr)
}

// Descriptor returns a copy of the last published descriptor.
func (r *Registry) Descriptor() *types.PodDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.descriptor == nil {
		return nil
	}
	return r.descriptor.Clone()
}

// Path returns the full registration path assigned by the coordination
// service, including its sequence suffix.
func (r *Registry) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
