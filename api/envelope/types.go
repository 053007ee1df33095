// Package envelope defines the wire vocabulary exchanged between the
// controller session and paired capture devices. Every message on a
// channel is one Envelope: a type tag, correlation fields, and exactly
// one typed payload for that tag.
package envelope

import (
	"fmt"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeTranscription         Type = "transcription"
	TypeTranscriptionsUpdated Type = "transcriptions_updated"
	TypeTranscriptionStatus   Type = "transcription_status"
	TypeRecordingStatus       Type = "recording_status"
	TypeRecordingControl      Type = "recording_control"
	TypeSessionContext        Type = "session_context"
	TypeSessionAck            Type = "session_ack"
	TypeImagesUploaded        Type = "images_uploaded"
	TypeConsentRequest        Type = "consent_request"
	TypeConsentGranted        Type = "consent_granted"
	TypeConsentDenied         Type = "consent_denied"
	TypeForceDisconnect       Type = "force_disconnect"
	TypeCaptureVisibility     Type = "capture_visibility"
	TypeTokenRotated          Type = "token_rotated"
)

// Role names the two ends of a paired session.
type Role string

const (
	RoleController Role = "controller"
	RoleCapture    Role = "capture"
)

// DeviceType is the coarse device classification carried in presence data.
type DeviceType string

const (
	DeviceDesktop DeviceType = "Desktop"
	DeviceMobile  DeviceType = "Mobile"
)

// DenyReason explains a consent denial.
type DenyReason string

const (
	DenyByUser    DenyReason = "user"
	DenyByTimeout DenyReason = "timeout"
	DenyOther     DenyReason = "other"
)

// FlushState is the transcription pipeline flush phase.
type FlushState string

const (
	FlushStateFlushing FlushState = "flushing"
	FlushStateFlushed  FlushState = "flushed"
)

// ControlAction is a remote recording command.
type ControlAction string

const (
	ActionStart ControlAction = "start"
	ActionStop  ControlAction = "stop"
)

// WordTiming is word-level speech-to-text metadata. When present it is
// the preferred token source for transcript reconciliation since it is
// less ambiguous than re-splitting raw text.
type WordTiming struct {
	Word       string  `json:"word"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DeviceInfo identifies a device on the control channel. DeviceID must
// be stable across reconnects within one browsing session so presence
// does not accumulate phantom duplicates.
type DeviceInfo struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
}

// Validate enforces device identity invariants.
func (d DeviceInfo) Validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if d.DeviceType != DeviceDesktop && d.DeviceType != DeviceMobile {
		return fmt.Errorf("invalid device_type: %q", d.DeviceType)
	}
	return nil
}

// PresenceData is the member payload a device enters presence with.
// The controller includes its active session so a late-joining capture
// device can recover context without waiting for a broadcast.
type PresenceData struct {
	Role        Role       `json:"role"`
	Device      DeviceInfo `json:"device"`
	SessionID   string     `json:"session_id,omitempty"`
	PatientName string     `json:"patient_name,omitempty"`
	Focused     *bool      `json:"focused,omitempty"`
	TimestampMS int64      `json:"timestamp_ms"`
}

// Validate enforces presence payload invariants.
func (p PresenceData) Validate() error {
	if p.Role != RoleController && p.Role != RoleCapture {
		return fmt.Errorf("invalid role: %q", p.Role)
	}
	if err := p.Device.Validate(); err != nil {
		return err
	}
	if p.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	return nil
}

// TranscriptionPayload carries one incremental transcript fragment.
type TranscriptionPayload struct {
	Text       string       `json:"text"`
	Words      []WordTiming `json:"words,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
}

// TranscriptionStatusPayload signals provider-side flush progress.
type TranscriptionStatusPayload struct {
	State FlushState `json:"state"`
}

// RecordingStatusPayload reports the capture device recording state.
type RecordingStatusPayload struct {
	Recording bool `json:"recording"`
}

// RecordingControlPayload is a remote start/stop command for the
// capture device. Sending start is gated on the consent handshake.
type RecordingControlPayload struct {
	Action ControlAction `json:"action"`
}

// SessionContextPayload broadcasts the controller's active session.
type SessionContextPayload struct {
	PatientName string `json:"patient_name,omitempty"`
}

// SessionAckPayload acknowledges a received session context.
type SessionAckPayload struct {
	PatientName string `json:"patient_name,omitempty"`
}

// ImagesUploadedPayload notifies that session images were uploaded by
// the capture device and are ready to fetch.
type ImagesUploadedPayload struct {
	Keys []string `json:"keys"`
}

// ConsentRequestPayload opens the start-recording handshake.
type ConsentRequestPayload struct {
	RequestID string `json:"request_id"`
	Initiator Role   `json:"initiator"`
}

// ConsentGrantedPayload resolves a pending consent request.
type ConsentGrantedPayload struct {
	RequestID string `json:"request_id"`
}

// ConsentDeniedPayload rejects a pending consent request.
type ConsentDeniedPayload struct {
	RequestID string     `json:"request_id"`
	Reason    DenyReason `json:"reason"`
}

// ForceDisconnectPayload asks one specific device to drop off.
type ForceDisconnectPayload struct {
	TargetDeviceID string `json:"target_device_id"`
}

// CaptureVisibilityPayload reports capture app foreground state. It is
// send-now-or-drop: freshness matters, delivery does not.
type CaptureVisibilityPayload struct {
	Focused bool `json:"focused"`
}

// TokenRotatedPayload tells a device its pairing token was rotated and
// the connection must be torn down.
type TokenRotatedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Envelope is the discriminated-union wire message. Exactly the payload
// field matching Type is set; all other payload fields are nil.
type Envelope struct {
	Type           Type   `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	SenderDeviceID string `json:"sender_device_id,omitempty"`
	TimestampMS    int64  `json:"timestamp_ms"`

	Transcription       *TranscriptionPayload       `json:"transcription,omitempty"`
	TranscriptionStatus *TranscriptionStatusPayload `json:"transcription_status,omitempty"`
	RecordingStatus     *RecordingStatusPayload     `json:"recording_status,omitempty"`
	RecordingControl    *RecordingControlPayload    `json:"recording_control,omitempty"`
	SessionContext      *SessionContextPayload      `json:"session_context,omitempty"`
	SessionAck          *SessionAckPayload          `json:"session_ack,omitempty"`
	ImagesUploaded      *ImagesUploadedPayload      `json:"images_uploaded,omitempty"`
	ConsentRequest      *ConsentRequestPayload      `json:"consent_request,omitempty"`
	ConsentGranted      *ConsentGrantedPayload      `json:"consent_granted,omitempty"`
	ConsentDenied       *ConsentDeniedPayload       `json:"consent_denied,omitempty"`
	ForceDisconnect     *ForceDisconnectPayload     `json:"force_disconnect,omitempty"`
	CaptureVisibility   *CaptureVisibilityPayload   `json:"capture_visibility,omitempty"`
	TokenRotated        *TokenRotatedPayload        `json:"token_rotated,omitempty"`
}

// DedupKey is the best-effort idempotency key consumers deduplicate on.
func (e Envelope) DedupKey() string {
	sender := e.SenderDeviceID
	if sender == "" {
		sender = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", e.Type, e.TimestampMS, sender)
}

// Validate checks the type tag, correlation fields, and that the
// payload matching the type is present and well formed.
func (e Envelope) Validate() error {
	if e.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	switch e.Type {
	case TypeTranscription:
		if e.Transcription == nil {
			return missingPayload(e.Type)
		}
		if e.Transcription.Text == "" && len(e.Transcription.Words) == 0 {
			return fmt.Errorf("transcription requires text or words")
		}
	case TypeTranscriptionsUpdated:
		// Notification only; no payload body.
	case TypeTranscriptionStatus:
		if e.TranscriptionStatus == nil {
			return missingPayload(e.Type)
		}
		if s := e.TranscriptionStatus.State; s != FlushStateFlushing && s != FlushStateFlushed {
			return fmt.Errorf("invalid transcription_status state: %q", s)
		}
	case TypeRecordingStatus:
		if e.RecordingStatus == nil {
			return missingPayload(e.Type)
		}
	case TypeRecordingControl:
		if e.RecordingControl == nil {
			return missingPayload(e.Type)
		}
		if a := e.RecordingControl.Action; a != ActionStart && a != ActionStop {
			return fmt.Errorf("invalid recording_control action: %q", a)
		}
	case TypeSessionContext:
		if e.SessionContext == nil {
			return missingPayload(e.Type)
		}
		if e.SessionID == "" {
			return fmt.Errorf("session_context requires session_id")
		}
	case TypeSessionAck:
		if e.SessionAck == nil {
			return missingPayload(e.Type)
		}
		if e.SessionID == "" {
			return fmt.Errorf("session_ack requires session_id")
		}
	case TypeImagesUploaded:
		if e.ImagesUploaded == nil {
			return missingPayload(e.Type)
		}
		if len(e.ImagesUploaded.Keys) == 0 {
			return fmt.Errorf("images_uploaded requires at least one key")
		}
	case TypeConsentRequest:
		if e.ConsentRequest == nil {
			return missingPayload(e.Type)
		}
		if e.ConsentRequest.RequestID == "" {
			return fmt.Errorf("consent_request requires request_id")
		}
		if r := e.ConsentRequest.Initiator; r != RoleController && r != RoleCapture {
			return fmt.Errorf("invalid consent_request initiator: %q", r)
		}
	case TypeConsentGranted:
		if e.ConsentGranted == nil {
			return missingPayload(e.Type)
		}
		if e.ConsentGranted.RequestID == "" {
			return fmt.Errorf("consent_granted requires request_id")
		}
	case TypeConsentDenied:
		if e.ConsentDenied == nil {
			return missingPayload(e.Type)
		}
		if e.ConsentDenied.RequestID == "" {
			return fmt.Errorf("consent_denied requires request_id")
		}
		if r := e.ConsentDenied.Reason; r != DenyByUser && r != DenyByTimeout && r != DenyOther {
			return fmt.Errorf("invalid consent_denied reason: %q", r)
		}
	case TypeForceDisconnect:
		if e.ForceDisconnect == nil {
			return missingPayload(e.Type)
		}
		if e.ForceDisconnect.TargetDeviceID == "" {
			return fmt.Errorf("force_disconnect requires target_device_id")
		}
	case TypeCaptureVisibility:
		if e.CaptureVisibility == nil {
			return missingPayload(e.Type)
		}
	case TypeTokenRotated:
		// Payload body optional.
	default:
		return fmt.Errorf("unknown envelope type: %q", e.Type)
	}
	return nil
}

// SendNowOrDrop reports whether the type bypasses the outbox: these
// envelopes are ephemeral status pings whose correctness depends on
// freshness, not delivery.
func SendNowOrDrop(t Type) bool {
	return t == TypeRecordingStatus || t == TypeCaptureVisibility
}

func missingPayload(t Type) error {
	return fmt.Errorf("envelope type %s requires matching payload", t)
}
