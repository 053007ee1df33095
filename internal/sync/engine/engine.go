// Package engine ties the sync components into one device-facing
// surface: it owns the channel lifecycle, demultiplexes inbound
// envelopes, runs the consent handshake, merges transcripts, and
// recovers from network loss.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/logging"
	"github.com/tiger/scribe-sync/internal/sync/cancellation"
	"github.com/tiger/scribe-sync/internal/sync/consent"
	"github.com/tiger/scribe-sync/internal/sync/identity"
	"github.com/tiger/scribe-sync/internal/sync/outbox"
	"github.com/tiger/scribe-sync/internal/sync/presence"
	"github.com/tiger/scribe-sync/internal/sync/reconcile"
	"github.com/tiger/scribe-sync/internal/sync/registry"
	"github.com/tiger/scribe-sync/internal/sync/router"
	"github.com/tiger/scribe-sync/internal/sync/supervisor"
)

const (
	// DefaultRecordingStaleAfter flips the recording indicator off when
	// no status ping arrived within the window.
	DefaultRecordingStaleAfter = 10 * time.Second
	// DefaultHistoryReplayLimit bounds envelopes replayed per channel
	// after a reconnect.
	DefaultHistoryReplayLimit = 50

	dedupWindow = 512
)

// ErrAuthFailed is surfaced when the transport credential is rejected
// or rotated out from under the device.
var ErrAuthFailed = errors.New("authentication failed")

// ErrForceDisconnected is surfaced when the controller ordered this
// device off the channel.
var ErrForceDisconnected = errors.New("force disconnected by controller")

// ErrNotController rejects controller-only operations.
var ErrNotController = errors.New("operation requires the controller role")

// ErrNotCapture rejects capture-only operations.
var ErrNotCapture = errors.New("operation requires the capture role")

// ScheduleFunc arms a delayed call and returns its canceler; tests
// inject manual timers through it.
type ScheduleFunc func(d time.Duration, fn func()) func()

// Callbacks is the outbound surface the documentation/UI layer
// subscribes to. All fields are optional. The whole struct is swapped
// atomically by SetCallbacks; handlers registered later never observe
// events dispatched earlier.
type Callbacks struct {
	OnTranscript          func(fragment, merged string)
	OnTranscriptsUpdated  func()
	OnFlushStateChanged   func(state envelope.FlushState)
	OnDevicesChanged      func(devices []envelope.PresenceData)
	OnConsentRequested    func(requestID string, initiator envelope.Role)
	OnConsentResolved     func(requestID string, outcome consent.Outcome, reason envelope.DenyReason)
	OnConnectionState     func(state transport.ConnectionState)
	OnRecordingChanged    func(recording bool)
	OnRecordingControl    func(action envelope.ControlAction)
	OnSessionChanged      func(sessionID, patientName string)
	OnSessionAck          func(deviceID string)
	OnImagesUploaded      func(keys []string)
	OnCaptureVisibility   func(deviceID string, focused bool)
	OnError               func(err error)
}

// Config wires an engine instance.
type Config struct {
	Role     envelope.Role
	Identity identity.Identity
	Device   envelope.DeviceInfo
	Registry *registry.Registry
	Logger   *slog.Logger

	ConsentTimeout      time.Duration
	RebroadcastDelay    time.Duration
	ReconnectDebounce   time.Duration
	RecordingStaleAfter time.Duration
	HistoryReplayLimit  int
	OutboxCapacity      int

	// Now defaults to time.Now.
	Now func() time.Time
	// Schedule defaults to time.AfterFunc.
	Schedule ScheduleFunc
	// NewRequestID defaults to uuid.NewString.
	NewRequestID func() string
}

// Engine is one device's half of a controller/capture pairing.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	router     *router.Router
	queue      *outbox.Queue
	consent    *consent.Coordinator
	presence   *presence.Tracker
	reconciler *reconcile.Reconciler
	supervisor *supervisor.Supervisor
	fence      *cancellation.Fence

	cbMu sync.Mutex
	cb   Callbacks

	mu            sync.Mutex
	started       bool
	stopped       bool
	sessionID     string
	patientName   string
	focused       bool
	recording     bool
	lastStatusAt  time.Time
	lastSeenMS    int64
	lastStampMS   int64
	remotePending string
	dedupSeen     map[string]struct{}
	dedupOrder    []string
	unsubs        []transport.UnsubscribeFunc
}

// New constructs an engine. Start must be called before any operation
// that touches the transport.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Role != envelope.RoleController && cfg.Role != envelope.RoleCapture {
		return nil, fmt.Errorf("invalid role: %q", cfg.Role)
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if err := cfg.Device.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	if cfg.NewRequestID == nil {
		cfg.NewRequestID = uuid.NewString
	}
	if cfg.RecordingStaleAfter <= 0 {
		cfg.RecordingStaleAfter = DefaultRecordingStaleAfter
	}
	if cfg.HistoryReplayLimit <= 0 {
		cfg.HistoryReplayLimit = DefaultHistoryReplayLimit
	}

	logger := logging.WithDevice(cfg.Logger, cfg.Device.DeviceID, string(cfg.Role))

	rt, err := router.New(cfg.Registry, cfg.Identity, cfg.Role, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		router:     rt,
		queue:      outbox.New(cfg.OutboxCapacity),
		reconciler: reconcile.New(),
		fence:      cancellation.NewFence(),
		dedupSeen:  map[string]struct{}{},
	}

	e.consent, err = consent.New(consent.Config{
		Initiator:    cfg.Role,
		Publish:      e.publishConsent,
		OnGranted:    e.consentGranted,
		OnResolved:   e.consentResolved,
		Timeout:      cfg.ConsentTimeout,
		Schedule:     func(d time.Duration, fn func()) consent.StopFunc { return consent.StopFunc(cfg.Schedule(d, fn)) },
		NewRequestID: cfg.NewRequestID,
		Now:          cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	e.presence = presence.New(presence.Config{
		LocalDeviceID:    cfg.Device.DeviceID,
		LocalRole:        cfg.Role,
		Rebroadcast:      e.rebroadcastSession,
		OnRosterChange:   e.rosterChanged,
		RebroadcastDelay: cfg.RebroadcastDelay,
		Schedule:         func(d time.Duration, fn func()) presence.StopFunc { return presence.StopFunc(cfg.Schedule(d, fn)) },
		Logger:           logger,
	})

	e.supervisor, err = supervisor.New(supervisor.Config{
		Recoverer: e,
		Debounce:  cfg.ReconnectDebounce,
		Schedule:  func(d time.Duration, fn func()) supervisor.StopFunc { return supervisor.StopFunc(cfg.Schedule(d, fn)) },
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetCallbacks replaces the outbound handler set.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

func (e *Engine) callbacks() Callbacks {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return e.cb
}

// Start attaches the control channel, joins presence, and wires the
// inbound subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.router.AttachControl(ctx); err != nil {
		return err
	}
	control, err := e.router.Control()
	if err != nil {
		return err
	}

	unsubMsgs := control.Subscribe(e.dispatch)
	unsubPresence := control.Presence().Subscribe(e.presence.HandleEvent)
	unsubState, err := e.router.OnConnectionStateChange(e.connectionStateChanged)
	if err != nil {
		unsubMsgs()
		unsubPresence()
		return err
	}
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubMsgs, unsubPresence, unsubState)
	e.mu.Unlock()

	if err := control.Presence().Enter(ctx, e.presenceData()); err != nil {
		return fmt.Errorf("enter presence: %w", err)
	}
	members, err := control.Presence().Members(ctx)
	if err != nil {
		e.logger.Warn("presence member read failed", "error", err)
	} else {
		e.presence.Seed(members)
		if e.cfg.Role == envelope.RoleCapture {
			e.recoverSessionFromPresence(ctx, members)
		}
	}
	e.logger.Info("engine started", "control_channel", e.cfg.Identity.ControlChannel())
	return nil
}

// Stop leaves presence, detaches channels, and releases the shared
// connection. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	unsubs := e.unsubs
	e.unsubs = nil
	sessionID := e.sessionID
	e.mu.Unlock()

	if sessionID != "" {
		e.fence.Forget(sessionID)
	}
	e.supervisor.Close()
	e.presence.Reset()
	for _, unsub := range unsubs {
		unsub()
	}
	if control, err := e.router.Control(); err == nil {
		if err := control.Presence().Leave(context.Background()); err != nil {
			e.logger.Debug("presence leave failed during teardown", "error", err)
		}
	}
	return e.router.Close()
}

// NotifyReachable signals that the network may be back; recovery runs
// after the debounce window.
func (e *Engine) NotifyReachable(ctx context.Context) {
	e.supervisor.NotifyReachable(ctx)
}

// NeedsRecovery reports whether the connection requires a reconnect.
func (e *Engine) NeedsRecovery() bool {
	return e.router.ConnectionState().NeedsReconnect()
}

// Recover reconnects, reattaches channels, rejoins presence, replays
// missed history, and flushes the outbox.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.router.Reconnect(ctx); err != nil {
		return err
	}
	control, err := e.router.Control()
	if err != nil {
		return err
	}
	if err := control.Presence().Enter(ctx, e.presenceData()); err != nil {
		e.logger.Debug("presence re-enter failed", "error", err)
	}

	e.replayHistory(ctx, control)
	if transcript := e.router.Transcript(); transcript != nil {
		e.replayHistory(ctx, transcript)
	}

	sent, requeued := e.queue.Flush(func(env envelope.Envelope) error {
		return control.Publish(ctx, env)
	})
	if sent > 0 || requeued > 0 {
		e.logger.Info("outbox flushed", "sent", sent, "requeued", requeued)
	}
	return nil
}

func (e *Engine) replayHistory(ctx context.Context, ch transport.Channel) {
	e.mu.Lock()
	since := e.lastSeenMS
	e.mu.Unlock()

	missed, err := ch.History(ctx, since, e.cfg.HistoryReplayLimit)
	if err != nil {
		e.logger.Debug("history replay failed", "channel", ch.Name(), "error", err)
		return
	}
	for _, env := range missed {
		e.dispatch(env)
	}
}

// ActiveSession returns the current session id and patient name.
func (e *Engine) ActiveSession() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID, e.patientName
}

// Transcript returns the reconciled transcript so far.
func (e *Engine) Transcript() string {
	return e.reconciler.Transcript()
}

// Devices returns the visible device roster.
func (e *Engine) Devices() []envelope.PresenceData {
	return e.presence.Devices()
}

// Recording reports the recording indicator, off when the last status
// ping is older than the staleness window.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.recording {
		return false
	}
	if e.lastStatusAt.IsZero() {
		return e.recording
	}
	return e.cfg.Now().Sub(e.lastStatusAt) <= e.cfg.RecordingStaleAfter
}

// PendingConsent returns the locally initiated outstanding request id.
func (e *Engine) PendingConsent() string {
	return e.consent.Pending()
}

// RemotePendingConsent returns the peer-initiated request awaiting a
// local grant or deny.
func (e *Engine) RemotePendingConsent() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remotePending
}

// ConnectionState reports the underlying connection state.
func (e *Engine) ConnectionState() transport.ConnectionState {
	return e.router.ConnectionState()
}

func (e *Engine) presenceData() envelope.PresenceData {
	e.mu.Lock()
	sessionID, patientName := e.sessionID, e.patientName
	focused := e.focused
	e.mu.Unlock()

	data := envelope.PresenceData{
		Role:        e.cfg.Role,
		Device:      e.cfg.Device,
		TimestampMS: e.cfg.Now().UnixMilli(),
	}
	if e.cfg.Role == envelope.RoleController {
		data.SessionID = sessionID
		data.PatientName = patientName
	}
	if e.cfg.Role == envelope.RoleCapture {
		f := focused
		data.Focused = &f
	}
	return data
}

func (e *Engine) connectionStateChanged(state transport.ConnectionState) {
	if fn := e.callbacks().OnConnectionState; fn != nil {
		fn(state)
	}
}

func (e *Engine) rosterChanged(devices []envelope.PresenceData) {
	if fn := e.callbacks().OnDevicesChanged; fn != nil {
		fn(devices)
	}
}

func (e *Engine) surfaceError(err error) {
	if fn := e.callbacks().OnError; fn != nil {
		fn(err)
	}
}
