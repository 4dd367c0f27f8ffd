package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/coordination"
	"github.com/ochopod/pod-agent/pkg/lifecycle"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
	"github.com/ochopod/pod-agent/pkg/registry"
	"github.com/ochopod/pod-agent/pkg/types"
)

// killDeadline bounds /control/kill; it has no lifecycle-declared timeout
// since it bypasses grace entirely (§4.8).
const killDeadline = 10 * time.Second

// RoleFunc reports the pod's current lock ownership for /info (§4.4).
type RoleFunc func() types.PodRole

// Server is C9: the per-pod control-port HTTP front end.
type Server struct {
	fsm    *lifecycle.FSM
	client *coordination.Client
	reg    *registry.Registry
	logs   *log.RingBuffer
	role   RoleFunc
	mux    *http.ServeMux
	logger zerolog.Logger
}

// New builds a Server. role may be nil, in which case /info always reports
// the follower role.
func New(fsm *lifecycle.FSM, client *coordination.Client, reg *registry.Registry, logs *log.RingBuffer, role RoleFunc) *Server {
	if role == nil {
		role = func() types.PodRole { return types.RoleFollower }
	}
	s := &Server{
		fsm:    fsm,
		client: client,
		reg:    reg,
		logs:   logs,
		role:   role,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("control"),
	}
	s.mux.HandleFunc("/info", s.instrument("info", s.handleInfo))
	s.mux.HandleFunc("/log", s.instrument("log", s.handleLog))
	s.mux.HandleFunc("/reset", s.instrument("reset", s.handleReset))
	s.mux.HandleFunc("/control/on", s.instrument("control_on", s.handleControlOn))
	s.mux.HandleFunc("/control/off", s.instrument("control_off", s.handleControlOff))
	s.mux.HandleFunc("/control/check", s.instrument("control_check", s.handleControlCheck))
	s.mux.HandleFunc("/control/kill", s.instrument("control_kill", s.handleControlKill))
	s.mux.HandleFunc("/healthz", s.instrument("healthz", metrics.LivenessHandler()))
	s.mux.HandleFunc("/health", s.instrument("health", metrics.HealthHandler()))
	s.mux.HandleFunc("/ready", s.instrument("ready", metrics.ReadyHandler()))
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// ListenAndServe runs the control HTTP server. §4.9 keeps the worker count
// small since the FSM already serializes everything behind it.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.ControlRequestDuration, route)
		metrics.ControlRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// sweepPayload mirrors pkg/driver's wire format: the leader posts the live
// snapshot it wants this pod to reconfigure against (§4.6).
type sweepPayload struct {
	Members      []*types.PodDescriptor `json:"members"`
	Dependencies map[string]string      `json:"dependencies"`
}

func decodeCluster(r *http.Request) (*types.Cluster, error) {
	if r.Body == nil {
		return &types.Cluster{}, nil
	}
	var payload sweepPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return &types.Cluster{}, nil // empty/absent body is valid for check-only callers
	}
	return &types.Cluster{Pods: payload.Members, Dependencies: payload.Dependencies}, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	state := s.fsm.State()
	if state == lifecycle.StateDead || state == lifecycle.StateFailed {
		w.WriteHeader(http.StatusGone)
		return
	}

	desc := s.reg.Descriptor()
	if desc == nil {
		desc = &types.PodDescriptor{}
	}
	desc.Process = lifecycle.ProcessState(state)
	desc.State = s.role()

	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if s.logs != nil {
		lines = s.logs.Lines()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.client.Reset(ctx, 30*time.Second); err != nil {
		s.logger.Error().Err(err).Msg("reset failed")
		writeJSON(w, http.StatusInternalServerError, map[string]bool{"ok": false})
		return
	}

	if desc := s.reg.Descriptor(); desc != nil {
		if err := s.reg.Register(ctx, desc); err != nil {
			s.logger.Error().Err(err).Msg("re-register after reset failed")
			writeJSON(w, http.StatusInternalServerError, map[string]bool{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleControlOn(w http.ResponseWriter, r *http.Request) {
	cluster, _ := decodeCluster(r)

	ctx, cancel := context.WithTimeout(r.Context(), 10*s.fsm.Damper())
	defer cancel()

	result, err := s.fsm.Handle(ctx, lifecycle.CmdOn, cluster)
	switch {
	case err == lifecycle.ErrRejected:
		writeJSON(w, http.StatusNotAcceptable, map[string]bool{"ok": false})
	case result.Gone:
		w.WriteHeader(http.StatusGone)
	case err != nil:
		s.logger.Error().Err(err).Msg("control/on failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"state": string(result.State)})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"state": "running"})
	}
}

func (s *Server) handleControlOff(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.fsm.Grace()+10*time.Second)
	defer cancel()

	if _, err := s.fsm.Handle(ctx, lifecycle.CmdOff, nil); err != nil {
		s.logger.Error().Err(err).Msg("control/off failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "stopped"})
}

func (s *Server) handleControlCheck(w http.ResponseWriter, r *http.Request) {
	cluster, _ := decodeCluster(r)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := s.fsm.Handle(ctx, lifecycle.CmdCheck, cluster)
	switch {
	case result.Gone:
		w.WriteHeader(http.StatusGone)
	case err == lifecycle.ErrRejected:
		writeJSON(w, http.StatusNotAcceptable, map[string]bool{"ok": false})
	case err != nil:
		s.logger.Error().Err(err).Msg("control/check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]bool{"ok": false})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleControlKill(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), killDeadline)
	defer cancel()

	if _, err := s.fsm.Handle(ctx, lifecycle.CmdKill, nil); err != nil {
		s.logger.Error().Err(err).Msg("control/kill failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "dead"})
}
