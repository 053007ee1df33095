package engine

import (
	"context"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/internal/sync/reconcile"
)

// dispatch demultiplexes one inbound envelope. Envelopes are validated,
// self-echoes are dropped, and duplicates are filtered on the
// (type, timestamp, sender) idempotency key before the type switch.
func (e *Engine) dispatch(env envelope.Envelope) {
	if err := env.Validate(); err != nil {
		e.logger.Debug("dropping malformed envelope", "type", string(env.Type), "error", err)
		return
	}
	if env.SenderDeviceID == e.cfg.Device.DeviceID {
		return
	}
	if e.seenBefore(env) {
		e.logger.Debug("dropping duplicate envelope", "key", env.DedupKey())
		return
	}

	cb := e.callbacks()
	switch env.Type {
	case envelope.TypeTranscription:
		e.handleTranscription(env, cb)
	case envelope.TypeTranscriptionsUpdated:
		if cb.OnTranscriptsUpdated != nil {
			cb.OnTranscriptsUpdated()
		}
	case envelope.TypeTranscriptionStatus:
		if cb.OnFlushStateChanged != nil {
			cb.OnFlushStateChanged(env.TranscriptionStatus.State)
		}
	case envelope.TypeRecordingStatus:
		e.handleRecordingStatus(env.RecordingStatus.Recording, cb)
	case envelope.TypeRecordingControl:
		e.handleRecordingControl(env.RecordingControl.Action, cb)
	case envelope.TypeSessionContext:
		e.handleSessionContext(env, cb)
	case envelope.TypeSessionAck:
		if e.cfg.Role == envelope.RoleController && cb.OnSessionAck != nil {
			cb.OnSessionAck(env.SenderDeviceID)
		}
	case envelope.TypeImagesUploaded:
		if cb.OnImagesUploaded != nil {
			cb.OnImagesUploaded(env.ImagesUploaded.Keys)
		}
	case envelope.TypeConsentRequest:
		e.handleConsentRequest(env, cb)
	case envelope.TypeConsentGranted:
		e.consent.HandleGranted(env.ConsentGranted.RequestID)
	case envelope.TypeConsentDenied:
		e.handleConsentDenied(env)
	case envelope.TypeForceDisconnect:
		e.handleForceDisconnect(env.ForceDisconnect.TargetDeviceID)
	case envelope.TypeCaptureVisibility:
		e.handleCaptureVisibility(env, cb)
	case envelope.TypeTokenRotated:
		e.handleTokenRotated()
	}
}

func (e *Engine) seenBefore(env envelope.Envelope) bool {
	key := env.DedupKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.dedupSeen[key]; dup {
		return true
	}
	e.dedupSeen[key] = struct{}{}
	e.dedupOrder = append(e.dedupOrder, key)
	if len(e.dedupOrder) > dedupWindow {
		oldest := e.dedupOrder[0]
		e.dedupOrder = e.dedupOrder[1:]
		delete(e.dedupSeen, oldest)
	}
	if env.TimestampMS > e.lastSeenMS {
		e.lastSeenMS = env.TimestampMS
	}
	return false
}

func (e *Engine) handleTranscription(env envelope.Envelope, cb Callbacks) {
	e.mu.Lock()
	active := e.sessionID
	e.mu.Unlock()
	if active != "" && env.SessionID != "" && env.SessionID != active {
		e.logger.Debug("dropping transcript for inactive session", "session_id", env.SessionID)
		return
	}
	gen := e.fence.Generation(env.SessionID)
	merged := e.reconciler.Merge(reconcile.Fragment{
		Text:  env.Transcription.Text,
		Words: env.Transcription.Words,
	})
	if e.fence.Stale(env.SessionID, gen) {
		// Session switched mid-merge; the reconciler was reset by the
		// switch and the late result must not surface.
		return
	}
	if cb.OnTranscript != nil {
		cb.OnTranscript(env.Transcription.Text, merged)
	}
}

func (e *Engine) handleRecordingStatus(recording bool, cb Callbacks) {
	e.mu.Lock()
	changed := e.recording != recording
	e.recording = recording
	e.lastStatusAt = e.cfg.Now()
	e.mu.Unlock()
	if changed && cb.OnRecordingChanged != nil {
		cb.OnRecordingChanged(recording)
	}
}

func (e *Engine) handleRecordingControl(action envelope.ControlAction, cb Callbacks) {
	if e.cfg.Role != envelope.RoleCapture {
		return
	}
	if action == envelope.ActionStart && !e.consent.Obtained() {
		e.logger.Warn("ignoring start command without consent")
		return
	}
	recording := action == envelope.ActionStart
	e.mu.Lock()
	e.recording = recording
	e.lastStatusAt = e.cfg.Now()
	e.mu.Unlock()

	if cb.OnRecordingControl != nil {
		cb.OnRecordingControl(action)
	}
	if err := e.SendRecordingStatus(context.Background(), recording); err != nil {
		e.logger.Debug("status broadcast failed", "error", err)
	}
}

func (e *Engine) handleSessionContext(env envelope.Envelope, cb Callbacks) {
	if e.cfg.Role != envelope.RoleCapture {
		return
	}
	e.adoptSession(context.Background(), env.SessionID, env.SessionContext.PatientName, cb)

	ack := envelope.Envelope{
		Type:       envelope.TypeSessionAck,
		SessionID:  env.SessionID,
		SessionAck: &envelope.SessionAckPayload{PatientName: env.SessionContext.PatientName},
	}
	if err := e.publishOrQueue(context.Background(), ack); err != nil {
		e.logger.Debug("session ack publish failed", "error", err)
	}
}

// adoptSession moves a capture device onto a session: transcript
// channel switch, reconciler reset, consent reset. Adopting the active
// session again is a no-op.
func (e *Engine) adoptSession(ctx context.Context, sessionID, patientName string, cb Callbacks) {
	e.mu.Lock()
	if e.sessionID == sessionID {
		e.patientName = patientName
		e.mu.Unlock()
		return
	}
	previous := e.sessionID
	e.sessionID = sessionID
	e.patientName = patientName
	e.mu.Unlock()

	e.fence.Advance(previous)
	e.reconciler.Reset()
	e.consent.ResetForSession(sessionID)
	if err := e.router.SwitchTranscript(ctx, sessionID); err != nil {
		e.logger.Warn("transcript channel switch failed", "session_id", sessionID, "error", err)
	}
	if cb.OnSessionChanged != nil {
		cb.OnSessionChanged(sessionID, patientName)
	}
}

// recoverSessionFromPresence adopts the controller's advertised session
// when a capture device attaches without having seen a broadcast. When
// several controller entries exist the latest timestamp wins.
func (e *Engine) recoverSessionFromPresence(ctx context.Context, members []envelope.PresenceData) {
	var best envelope.PresenceData
	found := false
	for _, m := range members {
		if m.Role != envelope.RoleController || m.SessionID == "" {
			continue
		}
		if !found || m.TimestampMS > best.TimestampMS {
			best = m
			found = true
		}
	}
	if !found {
		return
	}
	e.logger.Info("recovered session from presence", "session_id", best.SessionID)
	e.adoptSession(ctx, best.SessionID, best.PatientName, e.callbacks())

	ack := envelope.Envelope{
		Type:       envelope.TypeSessionAck,
		SessionID:  best.SessionID,
		SessionAck: &envelope.SessionAckPayload{PatientName: best.PatientName},
	}
	if err := e.publishOrQueue(ctx, ack); err != nil {
		e.logger.Debug("session ack publish failed", "error", err)
	}
}

func (e *Engine) handleConsentRequest(env envelope.Envelope, cb Callbacks) {
	requestID := env.ConsentRequest.RequestID
	// A retransmitted request for an already-resolved id must not
	// resurface as a new pending prompt.
	if e.fence.IsFenced(env.SessionID, requestID) {
		e.logger.Debug("ignoring resolved consent request", "request_id", requestID)
		return
	}
	e.mu.Lock()
	e.remotePending = requestID
	e.mu.Unlock()
	if cb.OnConsentRequested != nil {
		cb.OnConsentRequested(requestID, env.ConsentRequest.Initiator)
	}
}

func (e *Engine) handleConsentDenied(env envelope.Envelope) {
	e.mu.Lock()
	if e.remotePending == env.ConsentDenied.RequestID {
		e.remotePending = ""
	}
	e.mu.Unlock()
	e.consent.HandleDenied(env.ConsentDenied.RequestID, env.ConsentDenied.Reason)
}

func (e *Engine) handleForceDisconnect(targetDeviceID string) {
	if targetDeviceID != e.cfg.Device.DeviceID {
		return
	}
	e.logger.Info("force disconnect received")
	e.surfaceError(ErrForceDisconnected)
	if err := e.Stop(); err != nil {
		e.logger.Debug("teardown after force disconnect", "error", err)
	}
}

func (e *Engine) handleCaptureVisibility(env envelope.Envelope, cb Callbacks) {
	if e.cfg.Role != envelope.RoleController {
		return
	}
	if cb.OnCaptureVisibility != nil {
		cb.OnCaptureVisibility(env.SenderDeviceID, env.CaptureVisibility.Focused)
	}
}

func (e *Engine) handleTokenRotated() {
	e.logger.Warn("credential rotated, tearing down")
	e.surfaceError(ErrAuthFailed)
	if err := e.Stop(); err != nil {
		e.logger.Debug("teardown after token rotation", "error", err)
	}
}
