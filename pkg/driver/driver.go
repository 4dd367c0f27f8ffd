package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/cluster"
	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/types"
)

const peerCallTimeout = 30 * time.Second

// Driver is C6: the reconfiguration sweep orchestrator. One instance per
// leadership term; create a fresh Driver every time a pod becomes leader.
type Driver struct {
	client     *coordination.Client
	hashPath   string
	statePath  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a Driver. hashPath and statePath are the cluster's
// /ochopod/clusters/<cluster>/hash and /state persistent nodes (§3).
func New(client *coordination.Client, hashPath, statePath string) *Driver {
	return &Driver{
		client:     client,
		hashPath:   hashPath,
		statePath:  statePath,
		httpClient: &http.Client{Timeout: peerCallTimeout},
		logger:     log.WithComponent("driver"),
	}
}

// sweepPayload is the JSON body sent to every member's control port during
// Phase A/B/C (§4.6).
type sweepPayload struct {
	Members      []*types.PodDescriptor `json:"members"`
	Dependencies map[string]string      `json:"dependencies"`
}

// clusterState is the persistent node written at Phase D commit (§3).
type clusterState struct {
	LastReconfigAt time.Time `json:"last_reconfig_at"`
	PodCount       int       `json:"pod_count"`
	OK             bool      `json:"ok"`
}

// Sweep runs one full check/off/on/commit cycle against snapshot. sequential
// controls Phase B/C ordering per the lifecycle's declared flag (§4.6).
func (d *Driver) Sweep(ctx context.Context, snapshot *types.Cluster, sequential bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	payload := sweepPayload{Members: snapshot.Pods, Dependencies: snapshot.Dependencies}

	if err := d.phaseCheck(ctx, snapshot.Pods, payload); err != nil {
		metrics.SweepsTotal.WithLabelValues("aborted").Inc()
		return fmt.Errorf("phase A (check) aborted: %w", err)
	}

	if err := d.phaseCall(ctx, snapshot.Pods, payload, sequential, "/control/off", "stopped"); err != nil {
		metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("phase B (off) failed: %w", err)
	}

	if err := d.phaseCall(ctx, snapshot.Pods, payload, sequential, "/control/on", "running"); err != nil {
		metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("phase C (on) failed: %w", err)
	}

	if err := d.commit(snapshot); err != nil {
		metrics.SweepsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.SweepsTotal.WithLabelValues("committed").Inc()
	return nil
}

// phaseCheck issues POST /control/check to every live member. Any 406 or
// network failure aborts the whole sweep without publishing anything.
func (d *Driver) phaseCheck(ctx context.Context, members []*types.PodDescriptor, payload sweepPayload) error {
	for _, m := range members {
		if m.Process == types.ProcessDead {
			continue
		}
		status, _, err := d.call(ctx, m, "/control/check", payload)
		if err != nil {
			return fmt.Errorf("peer %s unreachable: %w", m.UUID, err)
		}
		if status == http.StatusNotAcceptable {
			return fmt.Errorf("peer %s rejected check (406)", m.UUID)
		}
	}
	return nil
}

// phaseCall issues POST path to every live member, in seq order if
// sequential else concurrently, and requires wantState in the response.
func (d *Driver) phaseCall(ctx context.Context, members []*types.PodDescriptor, payload sweepPayload, sequential bool, path, wantState string) error {
	live := make([]*types.PodDescriptor, 0, len(members))
	for _, m := range members {
		if m.Process != types.ProcessDead {
			live = append(live, m)
		}
	}

	if sequential {
		for _, m := range live {
			if err := d.callAndVerify(ctx, m, path, payload, wantState); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(live))
	for i, m := range live {
		wg.Add(1)
		go func(i int, m *types.PodDescriptor) {
			defer wg.Done()
			errs[i] = d.callAndVerify(ctx, m, path, payload, wantState)
		}(i, m)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) callAndVerify(ctx context.Context, m *types.PodDescriptor, path string, payload sweepPayload, wantState string) error {
	status, body, err := d.call(ctx, m, path, payload)
	if err != nil {
		return fmt.Errorf("peer %s unreachable: %w", m.UUID, err)
	}
	if status == http.StatusGone {
		// 410: pod is idling (DEAD/FAILED), treat as a no-op (§6).
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", m.UUID, status)
	}

	var resp struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("peer %s returned malformed response: %w", m.UUID, err)
	}
	if resp.State != wantState {
		return fmt.Errorf("peer %s did not reach state %s (got %s)", m.UUID, wantState, resp.State)
	}
	return nil
}

func (d *Driver) call(ctx context.Context, m *types.PodDescriptor, path string, payload sweepPayload) (int, []byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PeerCallDuration, path)

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal sweep payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%s%s", m.IP, m.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// commit writes the new hash and cluster state, Phase D (§4.6).
func (d *Driver) commit(snapshot *types.Cluster) error {
	hash, err := cluster.Hash(snapshot)
	if err != nil {
		return fmt.Errorf("compute commit hash: %w", err)
	}

	if err := d.writeNode(d.hashPath, []byte(hash)); err != nil {
		return fmt.Errorf("write hash: %w", err)
	}

	state := clusterState{LastReconfigAt: time.Now(), PodCount: snapshot.Size(), OK: true}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cluster state: %w", err)
	}
	if err := d.writeNode(d.statePath, data); err != nil {
		return fmt.Errorf("write cluster state: %w", err)
	}

	d.logger.Info().Str("hash", hash).Int("pods", snapshot.Size()).Msg("sweep committed")
	return nil
}

// writeNode creates path (persistent) the first time it is written and
// overwrites it on every later sweep; both the hash and state nodes start
// out absent, so a plain Create-only or Set-only write would fail on
// whichever sweep doesn't match its assumption.
func (d *Driver) writeNode(path string, data []byte) error {
	exists, _, err := d.client.Exists(path, false)
	if err != nil {
		return fmt.Errorf("check existing node: %w", err)
	}
	if !exists {
		return d.client.CreatePersistent(path, data, true)
	}
	return d.client.Set(path, data)
}
