// Package consent runs the start-recording handshake. Before a remote
// capture device may record, one side requests consent, the other
// grants or denies it, and an unanswered request auto-denies on a
// timer. Consent is scoped to a session, not to a connection.
package consent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/scribe-sync/api/envelope"
)

// DefaultTimeout is the handshake window before auto-deny.
const DefaultTimeout = 30 * time.Second

// Outcome is a terminal handshake resolution.
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// PublishFunc emits a handshake envelope to the peer.
type PublishFunc func(envelope.Envelope) error

// StopFunc cancels a scheduled timeout.
type StopFunc func()

// ScheduleFunc arms the timeout timer; tests inject a manual one.
type ScheduleFunc func(d time.Duration, fn func()) StopFunc

// Config wires the coordinator's seams.
type Config struct {
	// Initiator is the local role stamped on outgoing requests.
	Initiator envelope.Role
	// Publish emits consent envelopes; required.
	Publish PublishFunc
	// OnGranted runs the start-recording side effect, exactly once per
	// granted request.
	OnGranted func()
	// OnResolved observes every terminal resolution.
	OnResolved func(requestID string, outcome Outcome, reason envelope.DenyReason)
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Schedule defaults to time.AfterFunc.
	Schedule ScheduleFunc
	// NewRequestID defaults to uuid.NewString.
	NewRequestID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Coordinator is the consent handshake state machine:
// Idle -> Requested -> {Granted, Denied, TimedOut} -> Idle.
// At most one request is outstanding at a time; only a response whose
// id matches the pending id may resolve the machine.
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	pendingID string
	stopTimer StopFunc
	obtained  bool
	sessionID string
}

// New constructs a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Publish == nil {
		return nil, fmt.Errorf("publish func is required")
	}
	if cfg.Initiator != envelope.RoleController && cfg.Initiator != envelope.RoleCapture {
		return nil, fmt.Errorf("invalid initiator role: %q", cfg.Initiator)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) StopFunc {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	if cfg.NewRequestID == nil {
		cfg.NewRequestID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg}, nil
}

// Pending returns the outstanding request id, empty when idle.
func (c *Coordinator) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingID
}

// Obtained reports whether consent was already obtained this session.
func (c *Coordinator) Obtained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obtained
}

// MarkObtained records consent obtained by answering the peer's
// request. The grantor side never runs its own handshake for it, so
// the flag is set directly; a subsequent start command must pass the
// consent gate here too.
func (c *Coordinator) MarkObtained() {
	c.mu.Lock()
	c.obtained = true
	c.mu.Unlock()
}

// Request opens a handshake. When consent was already obtained this
// session the handshake is skipped and the start side effect runs
// immediately; the returned id is empty in that case. A stale pending
// id is overwritten: the previous request can no longer resolve.
func (c *Coordinator) Request() (string, error) {
	c.mu.Lock()
	if c.obtained {
		c.mu.Unlock()
		if c.cfg.OnGranted != nil {
			c.cfg.OnGranted()
		}
		return "", nil
	}
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	id := c.cfg.NewRequestID()
	c.pendingID = id
	sessionID := c.sessionID
	c.mu.Unlock()

	env := envelope.Envelope{
		Type:           envelope.TypeConsentRequest,
		SessionID:      sessionID,
		TimestampMS:    c.cfg.Now().UnixMilli(),
		ConsentRequest: &envelope.ConsentRequestPayload{RequestID: id, Initiator: c.cfg.Initiator},
	}
	if err := c.cfg.Publish(env); err != nil {
		c.mu.Lock()
		if c.pendingID == id {
			c.pendingID = ""
		}
		c.mu.Unlock()
		return "", fmt.Errorf("publish consent_request: %w", err)
	}

	stop := c.cfg.Schedule(c.cfg.Timeout, func() { c.timeoutFired(id) })
	c.mu.Lock()
	if c.pendingID == id {
		c.stopTimer = stop
	} else {
		// Resolved (or replaced) before the timer was recorded.
		stop()
	}
	c.mu.Unlock()
	return id, nil
}

// HandleGranted resolves a pending request. Responses whose id does not
// match the pending id are stale and ignored; a request resolves at
// most once.
func (c *Coordinator) HandleGranted(requestID string) {
	if !c.resolve(requestID, true) {
		return
	}
	if c.cfg.OnGranted != nil {
		c.cfg.OnGranted()
	}
	c.notify(requestID, OutcomeGranted, "")
}

// HandleDenied resolves a pending request without starting recording.
func (c *Coordinator) HandleDenied(requestID string, reason envelope.DenyReason) {
	if !c.resolve(requestID, false) {
		return
	}
	c.notify(requestID, OutcomeDenied, reason)
}

// Cancel is a local user cancellation of the outstanding request.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	id := c.pendingID
	c.mu.Unlock()
	if id == "" {
		return
	}
	if !c.resolve(id, false) {
		return
	}
	c.notify(id, OutcomeDenied, envelope.DenyByUser)
}

// ResetForSession clears the machine to Idle and drops the cached
// consent flag; consent never carries across sessions.
func (c *Coordinator) ResetForSession(sessionID string) {
	c.mu.Lock()
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.pendingID = ""
	c.obtained = false
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Coordinator) resolve(requestID string, granted bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if requestID == "" || requestID != c.pendingID {
		return false
	}
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.pendingID = ""
	if granted {
		c.obtained = true
	}
	return true
}

func (c *Coordinator) timeoutFired(requestID string) {
	c.mu.Lock()
	if requestID != c.pendingID {
		c.mu.Unlock()
		return
	}
	c.pendingID = ""
	c.stopTimer = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	env := envelope.Envelope{
		Type:          envelope.TypeConsentDenied,
		SessionID:     sessionID,
		TimestampMS:   c.cfg.Now().UnixMilli(),
		ConsentDenied: &envelope.ConsentDeniedPayload{RequestID: requestID, Reason: envelope.DenyByTimeout},
	}
	if err := c.cfg.Publish(env); err != nil {
		// The peer will time out on its own; nothing else to do.
		_ = err
	}
	c.notify(requestID, OutcomeTimedOut, envelope.DenyByTimeout)
}

func (c *Coordinator) notify(requestID string, outcome Outcome, reason envelope.DenyReason) {
	if c.cfg.OnResolved != nil {
		c.cfg.OnResolved(requestID, outcome, reason)
	}
}
