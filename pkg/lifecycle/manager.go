package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/walink/walinkd/pkg/browser"
	"github.com/walink/walinkd/pkg/session"
)

// ErrAlreadyInProgress is returned when a generation request arrives
// while a non-terminal attempt exists. Concurrent requests are rejected,
// not queued.
var ErrAlreadyInProgress = errors.New("session generation already in progress")

// State is a position in the generation state machine.
type State string

// Generation states. Persisted, Failed and TimedOut are terminal.
const (
	StateIdle             State = "IDLE"
	StateBrowserLaunching State = "BROWSER_LAUNCHING"
	StateQRDisplayed      State = "QR_DISPLAYED"
	StateAwaitingScan     State = "AWAITING_SCAN"
	StateExtracting       State = "EXTRACTING"
	StatePersisted        State = "PERSISTED"
	StateFailed           State = "FAILED"
	StateTimedOut         State = "TIMED_OUT"
)

// Terminal reports whether the state ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StatePersisted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Driver drives the headless browser through the login surface. Satisfied
// by *browser.Driver.
type Driver interface {
	OpenLoginSurface(ctx context.Context) (*browser.Handle, error)
	CaptureQR(ctx context.Context, h *browser.Handle) (*browser.QRArtifact, error)
	LinkWithPhone(ctx context.Context, h *browser.Handle, phone string) (string, error)
	PollAuthenticated(ctx context.Context, h *browser.Handle, timeout time.Duration) (bool, error)
	Close(h *browser.Handle)
}

// Extractor serializes the authenticated browser state. Satisfied by
// *browser.Extractor.
type Extractor interface {
	Extract(ctx context.Context, h *browser.Handle) (*session.Artifact, error)
}

// Validator independently probes whether an extracted artifact actually
// authenticates. Satisfied by *browser.Validator.
type Validator interface {
	Validate(ctx context.Context, a *session.Artifact) error
}

// Attempt is one end-to-end run of the session-creation state machine.
type Attempt struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	QR         *browser.QRArtifact
	LinkCode   string
	Deadline   time.Time
	ErrorKind  string

	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a non-blocking snapshot of the latest attempt, safe to poll
// frequently from the dashboard layer.
type Status struct {
	State     State     `json:"state"`
	AttemptID string    `json:"attempt_id,omitempty"`
	QRText    string    `json:"qr_text,omitempty"`
	QRImage   []byte    `json:"-"`
	LinkCode  string    `json:"link_code,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config tunes the manager.
type Config struct {
	// ScanTimeout bounds the wait for the user to scan the QR code or
	// enter the pairing code.
	ScanTimeout time.Duration
}

// DefaultScanTimeout is how long an attempt waits for a scan.
const DefaultScanTimeout = 120 * time.Second

// Manager orchestrates the browser driver, extractor and store through
// the generation state machine. At most one attempt is active at a time.
type Manager struct {
	driver    Driver
	extractor Extractor
	store     session.Store
	validator Validator
	cfg       Config
	log       *logrus.Entry

	// OnValid, when set, is invoked after an artifact has been persisted
	// and marked valid. The caller wires this to the process supervisor.
	OnValid func()

	mu      sync.Mutex
	attempt *Attempt
}

// NewManager creates a lifecycle manager. The validator may be nil, in
// which case persisted artifacts stay pending until marked valid through
// the store by an external probe.
func NewManager(driver Driver, extractor Extractor, store session.Store, validator Validator, cfg Config, log *logrus.Entry) *Manager {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	return &Manager{
		driver:    driver,
		extractor: extractor,
		store:     store,
		validator: validator,
		cfg:       cfg,
		log:       log,
	}
}

// RequestGeneration starts a new QR-based generation attempt and returns
// its id. It rejects with ErrAlreadyInProgress while a non-terminal
// attempt exists.
func (m *Manager) RequestGeneration(ctx context.Context) (string, error) {
	return m.begin("")
}

// RequestPhoneLink starts a generation attempt using the pairing code
// flow instead of QR scanning.
func (m *Manager) RequestPhoneLink(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("phone number is required")
	}
	return m.begin(phone)
}

func (m *Manager) begin(phone string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != nil && !m.attempt.State.Terminal() {
		return "", ErrAlreadyInProgress
	}

	runCtx, cancel := context.WithCancel(context.Background())
	attempt := &Attempt{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		State:     StateBrowserLaunching,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.attempt = attempt

	m.log.WithField("attempt", attempt.ID).Info("Session generation started")
	go m.run(runCtx, attempt, phone)

	return attempt.ID, nil
}

// CancelGeneration cancels the in-flight attempt, forcing it to FAILED.
// No artifact is persisted on cancellation. It is a no-op when no
// attempt is in flight.
func (m *Manager) CancelGeneration() error {
	m.mu.Lock()
	attempt := m.attempt
	inFlight := attempt != nil && !attempt.State.Terminal()
	m.mu.Unlock()

	if !inFlight {
		return fmt.Errorf("no generation in progress")
	}

	attempt.cancel()
	<-attempt.done
	return nil
}

// Generating reports whether an attempt is currently in flight. The
// supervisor consults this before invalidating the stored artifact so a
// stale health check cannot clobber a regeneration.
func (m *Manager) Generating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt != nil && !m.attempt.State.Terminal()
}

// CurrentStatus returns a snapshot of the latest attempt. It never
// blocks on the state machine.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt == nil {
		return Status{State: StateIdle, UpdatedAt: time.Now()}
	}

	status := Status{
		State:     m.attempt.State,
		AttemptID: m.attempt.ID,
		LinkCode:  m.attempt.LinkCode,
		Deadline:  m.attempt.Deadline,
		ErrorKind: m.attempt.ErrorKind,
		UpdatedAt: time.Now(),
	}
	if m.attempt.QR != nil {
		status.QRText = m.attempt.QR.Text
		status.QRImage = m.attempt.QR.Image
	}
	return status
}

// run executes one generation attempt. Every exit path releases the
// browser handle exactly once.
func (m *Manager) run(ctx context.Context, attempt *Attempt, phone string) {
	defer close(attempt.done)
	defer attempt.cancel()

	handle, err := m.driver.OpenLoginSurface(ctx)
	if err != nil {
		m.finish(attempt, StateFailed, errorKind(err))
		return
	}
	defer m.driver.Close(handle)

	m.transition(attempt, StateQRDisplayed, nil)

	if phone != "" {
		code, err := m.driver.LinkWithPhone(ctx, handle, phone)
		if err != nil {
			m.finish(attempt, StateFailed, errorKind(err))
			return
		}
		m.transition(attempt, StateAwaitingScan, func(a *Attempt) {
			a.LinkCode = code
			a.Deadline = time.Now().Add(m.cfg.ScanTimeout)
		})
	} else {
		qr, err := m.driver.CaptureQR(ctx, handle)
		if err != nil {
			m.finish(attempt, StateFailed, errorKind(err))
			return
		}
		m.transition(attempt, StateAwaitingScan, func(a *Attempt) {
			a.QR = qr
			a.Deadline = time.Now().Add(m.cfg.ScanTimeout)
		})
	}

	authenticated, err := m.driver.PollAuthenticated(ctx, handle, m.cfg.ScanTimeout)
	if err != nil {
		m.finish(attempt, StateFailed, errorKind(err))
		return
	}
	if !authenticated {
		m.finish(attempt, StateTimedOut, "scan_timeout")
		return
	}

	m.transition(attempt, StateExtracting, nil)

	artifact, err := m.extractor.Extract(ctx, handle)
	if err != nil {
		m.finish(attempt, StateFailed, errorKind(err))
		return
	}

	// A cancellation that lost the race to extraction must still not
	// persist anything.
	if ctx.Err() != nil {
		m.finish(attempt, StateFailed, errorKind(ctx.Err()))
		return
	}

	if err := m.store.Save(artifact); err != nil {
		m.finish(attempt, StateFailed, "store_error")
		return
	}

	if m.validator != nil {
		if err := m.validator.Validate(ctx, artifact); err != nil {
			m.log.WithError(err).Warn("Validation probe rejected freshly extracted artifact")
			if mErr := m.store.MarkInvalid(); mErr != nil {
				m.log.WithError(mErr).Error("Failed to invalidate artifact")
			}
			m.finish(attempt, StateFailed, "session_invalid")
			return
		}
		if err := m.store.MarkValid(); err != nil {
			m.finish(attempt, StateFailed, "store_error")
			return
		}
	}

	m.finish(attempt, StatePersisted, "")

	if m.validator != nil && m.OnValid != nil {
		m.OnValid()
	}
}

func (m *Manager) transition(attempt *Attempt, state State, apply func(*Attempt)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt.State = state
	if apply != nil {
		apply(attempt)
	}
	m.log.WithFields(logrus.Fields{
		"attempt": attempt.ID,
		"state":   state,
	}).Debug("Generation state changed")
}

func (m *Manager) finish(attempt *Attempt, state State, errKind string) {
	m.mu.Lock()
	attempt.State = state
	attempt.ErrorKind = errKind
	attempt.FinishedAt = time.Now()
	m.mu.Unlock()

	entry := m.log.WithFields(logrus.Fields{
		"attempt": attempt.ID,
		"state":   state,
	})
	if errKind != "" {
		entry = entry.WithField("error_kind", errKind)
	}
	entry.Info("Session generation finished")
}

// errorKind maps an error to the human-readable kind surfaced through
// the status query. No stack detail is exposed at this layer.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, browser.ErrLaunch):
		return "browser_launch_error"
	case errors.Is(err, browser.ErrQRNotFound):
		return "qr_not_found"
	case errors.Is(err, browser.ErrLinkCode):
		return "link_code_error"
	case errors.Is(err, session.ErrExtraction):
		return "extraction_error"
	default:
		return "internal_error"
	}
}
