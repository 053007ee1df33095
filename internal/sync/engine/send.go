package engine

import (
	"context"
	"fmt"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/internal/sync/consent"
)

// stamp fills the correlation fields every outbound envelope carries.
// Timestamps are strictly increasing per device: two sends inside one
// millisecond must not collide on the receiver's dedup key.
func (e *Engine) stamp(env envelope.Envelope) envelope.Envelope {
	env.SenderDeviceID = e.cfg.Device.DeviceID
	e.mu.Lock()
	if env.SessionID == "" {
		env.SessionID = e.sessionID
	}
	if env.TimestampMS == 0 {
		ts := e.cfg.Now().UnixMilli()
		if ts <= e.lastStampMS {
			ts = e.lastStampMS + 1
		}
		e.lastStampMS = ts
		env.TimestampMS = ts
	}
	e.mu.Unlock()
	return env
}

// publishOrQueue sends a queueable envelope on the control channel,
// parking it in the outbox when the channel is not ready or the send
// fails. The outbox flushes on the next successful recovery.
func (e *Engine) publishOrQueue(ctx context.Context, env envelope.Envelope) error {
	env = e.stamp(env)
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid outbound envelope: %w", err)
	}

	control, err := e.router.Control()
	if err != nil {
		return e.queue.Enqueue(env)
	}
	if err := control.Publish(ctx, env); err != nil {
		e.logger.Debug("publish failed, queueing", "type", string(env.Type), "error", err)
		return e.queue.Enqueue(env)
	}
	return nil
}

// publishNowOrDrop sends an ephemeral envelope; failure is reported
// but never retried.
func (e *Engine) publishNowOrDrop(ctx context.Context, env envelope.Envelope) error {
	env = e.stamp(env)
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid outbound envelope: %w", err)
	}
	control, err := e.router.Control()
	if err != nil {
		return err
	}
	if err := control.Publish(ctx, env); err != nil {
		e.logger.Debug("ephemeral publish dropped", "type", string(env.Type), "error", err)
		return err
	}
	return nil
}

// publishConsent is the coordinator's publish seam; consent envelopes
// never queue so a stale request cannot resurface after a flush.
func (e *Engine) publishConsent(env envelope.Envelope) error {
	return e.publishNowOrDrop(context.Background(), env)
}

// SetSessionContext switches the controller's active session and
// broadcasts it. Consent and the transcript reset with the session.
func (e *Engine) SetSessionContext(ctx context.Context, sessionID, patientName string) error {
	if e.cfg.Role != envelope.RoleController {
		return ErrNotController
	}
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	e.mu.Lock()
	previous := e.sessionID
	changed := previous != sessionID
	e.sessionID = sessionID
	e.patientName = patientName
	e.mu.Unlock()

	if changed {
		e.fence.Advance(previous)
		e.reconciler.Reset()
		e.consent.ResetForSession(sessionID)
	}

	env := envelope.Envelope{
		Type:           envelope.TypeSessionContext,
		SessionID:      sessionID,
		SessionContext: &envelope.SessionContextPayload{PatientName: patientName},
	}
	if err := e.publishOrQueue(ctx, env); err != nil {
		return err
	}

	// Presence carries the session too, so late joiners can recover it
	// without waiting for a broadcast.
	if control, err := e.router.Control(); err == nil {
		if err := control.Presence().Update(ctx, e.presenceData()); err != nil {
			e.logger.Debug("presence session update failed", "error", err)
		}
	}
	if fn := e.callbacks().OnSessionChanged; fn != nil {
		fn(sessionID, patientName)
	}
	return nil
}

// rebroadcastSession re-sends the current session context; the
// presence tracker schedules it when a capture device joins.
func (e *Engine) rebroadcastSession() {
	e.mu.Lock()
	sessionID, patientName := e.sessionID, e.patientName
	e.mu.Unlock()
	if sessionID == "" {
		return
	}
	env := envelope.Envelope{
		Type:           envelope.TypeSessionContext,
		SessionID:      sessionID,
		SessionContext: &envelope.SessionContextPayload{PatientName: patientName},
	}
	if err := e.publishOrQueue(context.Background(), env); err != nil {
		e.logger.Debug("session rebroadcast failed", "error", err)
	}
}

// RequestConsent opens the start-recording handshake. When consent was
// already obtained this session the start side effect runs immediately
// and the returned id is empty.
func (e *Engine) RequestConsent() (string, error) {
	return e.consent.Request()
}

// CancelConsent withdraws the locally initiated pending request.
func (e *Engine) CancelConsent() {
	e.consent.Cancel()
}

// GrantConsent answers a peer-initiated request affirmatively.
func (e *Engine) GrantConsent(ctx context.Context, requestID string) error {
	e.mu.Lock()
	if requestID == "" || requestID != e.remotePending {
		e.mu.Unlock()
		return fmt.Errorf("no pending consent request %q", requestID)
	}
	e.remotePending = ""
	e.mu.Unlock()

	// Granting the peer's request is consent for this session on both
	// sides: the peer's coordinator resolves on consent_granted, and
	// the local one must pass the start-command gate afterwards.
	e.consent.MarkObtained()
	e.fenceConsent(requestID)

	env := envelope.Envelope{
		Type:           envelope.TypeConsentGranted,
		ConsentGranted: &envelope.ConsentGrantedPayload{RequestID: requestID},
	}
	return e.publishNowOrDrop(ctx, env)
}

// DenyConsent answers a peer-initiated request negatively.
func (e *Engine) DenyConsent(ctx context.Context, requestID string, reason envelope.DenyReason) error {
	e.mu.Lock()
	if requestID == "" || requestID != e.remotePending {
		e.mu.Unlock()
		return fmt.Errorf("no pending consent request %q", requestID)
	}
	e.remotePending = ""
	e.mu.Unlock()

	e.fenceConsent(requestID)
	if reason == "" {
		reason = envelope.DenyByUser
	}
	env := envelope.Envelope{
		Type:          envelope.TypeConsentDenied,
		ConsentDenied: &envelope.ConsentDeniedPayload{RequestID: requestID, Reason: reason},
	}
	return e.publishNowOrDrop(ctx, env)
}

// fenceConsent marks a resolved consent request so a retransmitted or
// history-replayed consent_request with the same id cannot resurface
// as a new pending prompt. Requests outside a session are not fenced;
// dedup still covers exact duplicates.
func (e *Engine) fenceConsent(requestID string) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	if sessionID == "" {
		return
	}
	if err := e.fence.Accept(sessionID, requestID); err != nil {
		e.logger.Debug("consent fence rejected", "request_id", requestID, "error", err)
	}
}

// consentGranted is the coordinator's start-recording side effect.
func (e *Engine) consentGranted() {
	ctx := context.Background()
	if e.cfg.Role == envelope.RoleController {
		if err := e.SendRecordingControl(ctx, envelope.ActionStart); err != nil {
			e.logger.Debug("start command publish failed", "error", err)
		}
		return
	}

	e.mu.Lock()
	e.recording = true
	e.lastStatusAt = e.cfg.Now()
	e.mu.Unlock()
	if fn := e.callbacks().OnRecordingChanged; fn != nil {
		fn(true)
	}
	if err := e.SendRecordingStatus(ctx, true); err != nil {
		e.logger.Debug("status broadcast failed", "error", err)
	}
}

func (e *Engine) consentResolved(requestID string, outcome consent.Outcome, reason envelope.DenyReason) {
	e.fenceConsent(requestID)
	if fn := e.callbacks().OnConsentResolved; fn != nil {
		fn(requestID, outcome, reason)
	}
}

// SendTranscription publishes a transcript fragment from the capture
// device. It goes out on the control channel and is mirrored onto the
// session transcript channel for session-scoped consumers.
func (e *Engine) SendTranscription(ctx context.Context, text string, words []envelope.WordTiming) error {
	if e.cfg.Role != envelope.RoleCapture {
		return ErrNotCapture
	}
	env := envelope.Envelope{
		Type:          envelope.TypeTranscription,
		Transcription: &envelope.TranscriptionPayload{Text: text, Words: words},
	}
	if err := e.publishOrQueue(ctx, env); err != nil {
		return err
	}
	if transcript := e.router.Transcript(); transcript != nil {
		if err := transcript.Publish(ctx, e.stamp(env)); err != nil {
			e.logger.Debug("transcript mirror publish failed", "error", err)
		}
	}
	return nil
}

// SendTranscriptionStatus publishes flush progress.
func (e *Engine) SendTranscriptionStatus(ctx context.Context, state envelope.FlushState) error {
	env := envelope.Envelope{
		Type:                envelope.TypeTranscriptionStatus,
		TranscriptionStatus: &envelope.TranscriptionStatusPayload{State: state},
	}
	return e.publishOrQueue(ctx, env)
}

// SendRecordingStatus broadcasts the ephemeral recording indicator.
func (e *Engine) SendRecordingStatus(ctx context.Context, recording bool) error {
	env := envelope.Envelope{
		Type:            envelope.TypeRecordingStatus,
		RecordingStatus: &envelope.RecordingStatusPayload{Recording: recording},
	}
	return e.publishNowOrDrop(ctx, env)
}

// SendRecordingControl publishes a start/stop command. Start is gated
// on an obtained consent for this session.
func (e *Engine) SendRecordingControl(ctx context.Context, action envelope.ControlAction) error {
	if e.cfg.Role != envelope.RoleController {
		return ErrNotController
	}
	if action == envelope.ActionStart && !e.consent.Obtained() {
		return fmt.Errorf("start requires consent for this session")
	}
	env := envelope.Envelope{
		Type:             envelope.TypeRecordingControl,
		RecordingControl: &envelope.RecordingControlPayload{Action: action},
	}
	return e.publishOrQueue(ctx, env)
}

// SendCaptureVisibility broadcasts the capture app's foreground state.
func (e *Engine) SendCaptureVisibility(ctx context.Context, focused bool) error {
	if e.cfg.Role != envelope.RoleCapture {
		return ErrNotCapture
	}
	e.mu.Lock()
	e.focused = focused
	e.mu.Unlock()

	env := envelope.Envelope{
		Type:              envelope.TypeCaptureVisibility,
		CaptureVisibility: &envelope.CaptureVisibilityPayload{Focused: focused},
	}
	return e.publishNowOrDrop(ctx, env)
}

// SendImagesUploaded notifies the controller that session images are
// ready to fetch.
func (e *Engine) SendImagesUploaded(ctx context.Context, keys []string) error {
	if e.cfg.Role != envelope.RoleCapture {
		return ErrNotCapture
	}
	env := envelope.Envelope{
		Type:           envelope.TypeImagesUploaded,
		ImagesUploaded: &envelope.ImagesUploadedPayload{Keys: keys},
	}
	return e.publishOrQueue(ctx, env)
}

// ForceDisconnect orders one device off the channel.
func (e *Engine) ForceDisconnect(ctx context.Context, targetDeviceID string) error {
	if e.cfg.Role != envelope.RoleController {
		return ErrNotController
	}
	env := envelope.Envelope{
		Type:            envelope.TypeForceDisconnect,
		ForceDisconnect: &envelope.ForceDisconnectPayload{TargetDeviceID: targetDeviceID},
	}
	return e.publishNowOrDrop(ctx, env)
}
