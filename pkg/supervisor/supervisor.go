package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/walink/walinkd/pkg/session"
)

// Error taxonomy for supervision failures.
var (
	// ErrNoValidSession is returned by Start when no validated artifact
	// is stored.
	ErrNoValidSession = errors.New("no valid session artifact")

	// ErrSessionInvalid is returned by Restart when the stored artifact
	// fails the validation probe.
	ErrSessionInvalid = errors.New("stored session is invalid")

	// ErrDegraded is returned once the restart cap is exhausted; the
	// supervisor then requires manual intervention or a fresh
	// generation.
	ErrDegraded = errors.New("supervisor degraded: restart cap exhausted")

	// ErrAlreadyRunning is returned by Start while the process is up.
	ErrAlreadyRunning = errors.New("bot process already running")
)

// Health classifies the supervised process state.
type Health string

// Health states reported by HealthCheck.
const (
	HealthRunning Health = "RUNNING"
	HealthCrashed Health = "CRASHED"
	HealthUnknown Health = "UNKNOWN"
)

// Validator probes whether a stored artifact still authenticates.
type Validator interface {
	Validate(ctx context.Context, a *session.Artifact) error
}

// GenerationGuard reports whether a session regeneration is in flight.
// The supervisor never invalidates the stored artifact while one is,
// so a stale health check cannot clobber a regeneration mid-flight.
type GenerationGuard interface {
	Generating() bool
}

// Handle describes the supervised process.
type Handle struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	LastCheckAt  time.Time `json:"last_check_at"`
	RestartCount int       `json:"restart_count"`

	proc Process
}

// Status is a snapshot of the supervisor for the dashboard layer.
type Status struct {
	Health      Health    `json:"health"`
	Degraded    bool      `json:"degraded"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
	Restarts    int       `json:"restarts_in_window"`
	ErrorKind   string    `json:"error_kind,omitempty"`
}

// Config tunes the supervisor.
type Config struct {
	// HealthInterval paces the periodic health check.
	HealthInterval time.Duration

	// RestartCap bounds restarts within RestartWindow before the
	// supervisor degrades.
	RestartCap int

	// RestartWindow is the rolling window the cap applies to.
	RestartWindow time.Duration

	// StopWait bounds the graceful termination wait before SIGKILL.
	StopWait time.Duration
}

// Supervision defaults.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultRestartCap     = 5
	DefaultRestartWindow  = 10 * time.Minute
	DefaultStopWait       = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.RestartCap <= 0 {
		c.RestartCap = DefaultRestartCap
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.StopWait <= 0 {
		c.StopWait = DefaultStopWait
	}
	return c
}

// Supervisor keeps the dependent messaging process alive against a valid
// session artifact: start, stop, periodic health checks and capped
// auto-restarts.
type Supervisor struct {
	store     session.Store
	launcher  Launcher
	validator Validator
	guard     GenerationGuard
	cfg       Config
	log       *logrus.Entry

	mu           sync.Mutex
	handle       *Handle
	restarts     []time.Time
	restartCount int
	degraded     bool
	errorKind    string
}

// New creates a supervisor. The validator is required for Restart; the
// guard may be nil.
func New(store session.Store, launcher Launcher, validator Validator, guard GenerationGuard, cfg Config, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		store:     store,
		launcher:  launcher,
		validator: validator,
		guard:     guard,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Start spawns the bot process against the stored artifact. It fails
// with ErrNoValidSession unless a validated artifact is stored, and
// never spawns anything in that case. A successful manual start clears
// the degraded state.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.handle != nil && s.handle.proc.Alive() {
		return ErrAlreadyRunning
	}

	artifact, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("loading session artifact: %w", err)
	}
	if artifact == nil || !artifact.Valid {
		s.errorKind = "no_valid_session"
		return ErrNoValidSession
	}

	payload, err := artifact.DecodeRaw()
	if err != nil {
		s.errorKind = "no_valid_session"
		return fmt.Errorf("%w: %v", ErrNoValidSession, err)
	}

	proc, err := s.launcher.Launch(ctx, payload)
	if err != nil {
		s.errorKind = "launch_error"
		return fmt.Errorf("spawning bot process: %w", err)
	}

	s.handle = &Handle{
		PID:          proc.PID(),
		StartedAt:    time.Now(),
		RestartCount: s.restartCount,
		proc:         proc,
	}
	s.degraded = false
	s.errorKind = ""
	return nil
}

// Stop terminates the process gracefully, escalating to a kill after
// StopWait, and clears the process handle. Stopping a stopped
// supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle == nil {
		return nil
	}
	return s.terminate(ctx, handle.proc)
}

func (s *Supervisor) terminate(ctx context.Context, proc Process) error {
	if !proc.Alive() {
		return nil
	}

	if err := proc.Terminate(); err != nil {
		s.log.WithError(err).Warn("Graceful termination signal failed")
	}

	timer := time.NewTimer(s.cfg.StopWait)
	defer timer.Stop()

	select {
	case <-proc.Done():
		s.log.Info("Bot process exited")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill bot process: %w", err)
	}
	<-proc.Done()
	s.log.Warn("Bot process force killed")
	return nil
}

// HealthCheck probes the process handle.
func (s *Supervisor) HealthCheck() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return HealthUnknown
	}

	s.handle.LastCheckAt = time.Now()
	if s.handle.proc.Alive() {
		return HealthRunning
	}
	return HealthCrashed
}

// Restart stops the process if running, re-validates the stored artifact
// with the probe and starts again. Probe failure invalidates the
// artifact (unless a regeneration is in flight) and surfaces
// ErrSessionInvalid without restarting. Attempts beyond the rolling cap
// degrade the supervisor without spawning anything.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	s.pruneRestartsLocked(now)
	if len(s.restarts) >= s.cfg.RestartCap {
		s.degraded = true
		s.errorKind = "restart_cap_exhausted"
		s.mu.Unlock()
		s.log.WithField("cap", s.cfg.RestartCap).Error("Restart cap exhausted, entering degraded state")
		return ErrDegraded
	}
	s.restarts = append(s.restarts, now)
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		return err
	}

	artifact, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("loading session artifact: %w", err)
	}
	if artifact == nil {
		s.setErrorKind("no_valid_session")
		return ErrNoValidSession
	}

	if s.validator != nil {
		if err := s.validator.Validate(ctx, artifact); err != nil {
			s.log.WithError(err).Warn("Stored session failed validation probe")
			if s.guard == nil || !s.guard.Generating() {
				if mErr := s.store.MarkInvalid(); mErr != nil {
					s.log.WithError(mErr).Error("Failed to invalidate session artifact")
				}
			}
			s.setErrorKind("session_invalid")
			return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
		if !artifact.Valid {
			if err := s.store.MarkValid(); err != nil {
				return fmt.Errorf("marking session valid: %w", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(ctx); err != nil {
		return err
	}
	s.restartCount++
	s.handle.RestartCount = s.restartCount
	return nil
}

// Run drives the periodic health check until the context is cancelled.
// A crashed process triggers an automatic, capped restart.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.HealthCheck() != HealthCrashed {
				continue
			}
			s.log.Warn("Bot process crashed, restarting")
			if err := s.Restart(ctx); err != nil {
				s.log.WithError(err).Error("Automatic restart failed")
			}
		}
	}
}

// Status returns a snapshot for the dashboard layer.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Health:    HealthUnknown,
		Degraded:  s.degraded,
		Restarts:  len(s.restarts),
		ErrorKind: s.errorKind,
	}
	if s.degraded {
		status.ErrorKind = "restart_cap_exhausted"
	}
	if s.handle != nil {
		status.PID = s.handle.PID
		status.StartedAt = s.handle.StartedAt
		status.LastCheckAt = s.handle.LastCheckAt
		if s.handle.proc.Alive() {
			status.Health = HealthRunning
		} else {
			status.Health = HealthCrashed
		}
	}
	return status
}

// ResetDegraded clears the degraded state, the restart window and the
// restart lineage, used after a fresh generation has produced a new
// valid artifact.
func (s *Supervisor) ResetDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = false
	s.restarts = nil
	s.restartCount = 0
	s.errorKind = ""
}

func (s *Supervisor) setErrorKind(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorKind = kind
}

// pruneRestartsLocked drops restart timestamps outside the rolling window.
func (s *Supervisor) pruneRestartsLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
}
