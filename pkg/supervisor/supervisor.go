package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/metrics"
)

// Command is the fork/exec directive a Piped hook's Configure returns.
type Command struct {
	Program string
	Args    []string
	Env     []string // full KEY=VALUE slice; empty means inherit the agent's environment
	Dir     string
}

// Config holds the Piped-only knobs from §4.7/§4.8.
type Config struct {
	Grace      time.Duration
	Checks     int
	CheckEvery time.Duration
	Strict     bool
}

// SanityChecker is the hook capability invoked every CheckEvery (§4.8).
type SanityChecker interface {
	SanityCheck(pid int) error
}

// Outcome is the terminal disposition of a supervised child (§4.8).
type Outcome string

const (
	OutcomeDead   Outcome = "dead"
	OutcomeFailed Outcome = "failed"
)

// Event is published once the supervisor gives up on a child for good;
// it never fires for an in-flight restart.
type Event struct {
	Outcome Outcome
	Err     error
}

// Supervisor owns at most one live child process at a time (§8 property 7).
type Supervisor struct {
	cfg     Config
	checker SanityChecker
	logger  zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	attempts int
	stopOnce sync.Once

	eventCh chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Supervisor. checker may be nil if the hook declines sanity
// checks; CheckEvery is then ignored.
func New(cfg Config, checker SanityChecker, logger zerolog.Logger) *Supervisor {
	if cfg.Checks <= 0 {
		cfg.Checks = 3
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 60 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		checker: checker,
		logger:  logger,
		eventCh: make(chan Event, 1),
	}
}

// Start forks the child and begins supervising it. It returns an error if a
// child is already running.
func (s *Supervisor) Start(cmd Command) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: child already running")
	}
	s.running = true
	s.attempts = 0
	s.stopOnce = sync.Once{}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.spawn(cmd); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	go s.supervise(cmd)
	go s.sanityLoop()
	return nil
}

func (s *Supervisor) spawn(cmd Command) error {
	ec := exec.Command(cmd.Program, cmd.Args...)
	ec.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		ec.Env = cmd.Env
	}
	if err := ec.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cmd = ec
	s.mu.Unlock()
	return nil
}

// supervise waits on the current child, restarting it on an unclean exit up
// to cfg.Checks times with a linear back-off, and publishes a terminal Event
// once the child is gone for good (§4.8).
func (s *Supervisor) supervise(cmd Command) {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		proc := s.cmd
		s.mu.Unlock()

		waitErr := proc.Wait()

		select {
		case <-s.stopCh:
			s.finish()
			return
		default:
		}

		code := exitCode(waitErr)
		if code == 0 && !s.cfg.Strict {
			s.finish()
			s.emit(Event{Outcome: OutcomeDead})
			return
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.mu.Unlock()
		metrics.ChildRestartsTotal.Inc()

		if attempts > s.cfg.Checks {
			s.finish()
			s.emit(Event{Outcome: OutcomeFailed, Err: waitErr})
			return
		}

		s.logger.Warn().Int("attempt", attempts).Err(waitErr).Msg("child exited uncleanly, restarting")
		time.Sleep(time.Duration(attempts) * time.Second)

		if err := s.spawn(cmd); err != nil {
			s.finish()
			s.emit(Event{Outcome: OutcomeFailed, Err: err})
			return
		}
	}
}

func (s *Supervisor) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.eventCh <- ev:
	default:
		s.logger.Warn().Str("outcome", string(ev.Outcome)).Msg("event dropped, channel full")
	}
}

// sanityLoop invokes the hook's sanity check every cfg.CheckEvery; a
// failure is treated exactly like an unclean exit (§4.8).
func (s *Supervisor) sanityLoop() {
	if s.checker == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			running, proc := s.running, s.cmd
			s.mu.Unlock()
			if !running || proc == nil || proc.Process == nil {
				continue
			}
			if err := s.checker.SanityCheck(proc.Process.Pid); err != nil {
				metrics.SanityChecksTotal.WithLabelValues("failed").Inc()
				s.logger.Warn().Err(err).Msg("sanity check failed, killing child for restart")
				proc.Process.Signal(syscall.SIGKILL)
			} else {
				metrics.SanityChecksTotal.WithLabelValues("ok").Inc()
				s.mu.Lock()
				s.attempts = 0
				s.mu.Unlock()
			}
		case <-s.doneCh:
			return
		}
	}
}

// Stop sends the graceful signal, waits cfg.Grace, then escalates to
// SIGKILL, blocking until the child has fully exited (§4.8).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	doneCh := s.doneCh
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })

	proc.Signal(syscall.SIGTERM)

	select {
	case <-doneCh:
		return nil
	case <-time.After(s.cfg.Grace):
	}

	proc.Signal(syscall.SIGKILL)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return errors.New("supervisor: stop cancelled before child exited")
	}
}

// Kill sends SIGKILL immediately and blocks until the child has exited.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	doneCh := s.doneCh
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })

	proc.Signal(syscall.SIGKILL)
	<-doneCh
	return nil
}

// Events returns the channel of terminal supervision outcomes.
func (s *Supervisor) Events() <-chan Event {
	return s.eventCh
}

// Running reports whether a child is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PID returns the current child's pid, or 0 if none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
