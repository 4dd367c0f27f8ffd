package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/lifecycle"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/registry"
	"github.com/ochopod/pod-agent/pkg/types"
)

type testHook struct {
	accept bool
}

func (h *testHook) Initialize() error                        { return nil }
func (h *testHook) CanConfigure(*types.Cluster) bool          { return h.accept }
func (h *testHook) Configure(*types.Cluster) error            { return nil }
func (h *testHook) TearDown() error                           { return nil }
func (h *testHook) Signaled(os.Signal) error                  { return nil }
func (h *testHook) Finalize() error                           { return nil }

func newTestServer(t *testing.T) (*Server, *coordination.Client) {
	t.Helper()

	c, err := coordination.NewClient(coordination.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background(), 30*time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !c.Backend().IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}

	reg := registry.New(c, "/ochopod/clusters/demo/pods")
	require.NoError(t, reg.Register(context.Background(), &types.PodDescriptor{UUID: "pod-1", Cluster: "demo"}))

	fsm := lifecycle.New(&testHook{accept: true}, lifecycle.ResolveConfig(lifecycle.Config{}), zerolog.Nop())
	require.NoError(t, fsm.Start())
	t.Cleanup(fsm.Stop)

	srv := New(fsm, c, reg, log.NewRingBuffer(1024), nil)
	return srv, c
}

func TestServer_InfoReturns200WhileIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/info", nil)
	srv.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var desc types.PodDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &desc))
	assert.Equal(t, "pod-1", desc.UUID)
}

func TestServer_ControlOnThenInfoReportsRunning(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/control/on", strings.NewReader(`{"members":[],"dependencies":{}}`))
	srv.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodPost, "/info", nil)
	srv.mux.ServeHTTP(w2, r2)
	var desc types.PodDescriptor
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &desc))
	assert.Equal(t, types.ProcessRunning, desc.Process)
}

func TestServer_ControlOnRejectedReturns406(t *testing.T) {
	c, err := coordination.NewClient(coordination.Config{NodeID: "n", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background(), 30*time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !c.Backend().IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	reg := registry.New(c, "/ochopod/clusters/demo/pods")
	require.NoError(t, reg.Register(context.Background(), &types.PodDescriptor{UUID: "pod-2", Cluster: "demo"}))

	fsm := lifecycle.New(&testHook{accept: false}, lifecycle.ResolveConfig(lifecycle.Config{}), zerolog.Nop())
	require.NoError(t, fsm.Start())
	defer fsm.Stop()
	srv := New(fsm, c, reg, log.NewRingBuffer(1024), nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/control/on", strings.NewReader(`{}`))
	srv.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotAcceptable, w.Code)
}

func TestServer_HealthzReturns200(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_LogReturnsBufferedLines(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.logs.Write([]byte("hello\nworld\n"))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/log", nil)
	srv.mux.ServeHTTP(w, r)

	var body struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"hello", "world"}, body.Lines)
}
