// Package websocket is the relay-backed transport: a client adapter
// implementing the pub/sub contract over a JSON frame protocol, and
// the relay handler serving that protocol.
package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

// Op discriminates frame intent. Client-initiated ops carry a request
// id and are answered with result or error; event and presence_event
// are unsolicited relay pushes.
type Op string

const (
	OpAttach         Op = "attach"
	OpDetach         Op = "detach"
	OpPublish        Op = "publish"
	OpPresenceEnter  Op = "presence_enter"
	OpPresenceUpdate Op = "presence_update"
	OpPresenceLeave  Op = "presence_leave"
	OpMembers        Op = "members"
	OpHistory        Op = "history"

	OpResult        Op = "result"
	OpError         Op = "error"
	OpEvent         Op = "event"
	OpPresenceEvent Op = "presence_event"
)

// PresenceBody is the presence slice of a frame.
type PresenceBody struct {
	Action transport.PresenceAction `json:"action"`
	Member envelope.PresenceData    `json:"member"`
}

// Frame is one websocket message in either direction. Envelope bodies
// stay raw JSON so the schema gate runs before decoding.
type Frame struct {
	Op      Op     `json:"op"`
	ID      int64  `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`

	Envelope json.RawMessage         `json:"envelope,omitempty"`
	Presence *PresenceBody           `json:"presence,omitempty"`
	Members  []envelope.PresenceData `json:"members,omitempty"`
	History  []json.RawMessage       `json:"history,omitempty"`
	SinceMS  int64                   `json:"since_ms,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Validate enforces the per-op frame shape.
func (f Frame) Validate() error {
	switch f.Op {
	case OpAttach, OpDetach, OpPresenceLeave, OpMembers:
		if f.Channel == "" {
			return fmt.Errorf("%s requires channel", f.Op)
		}
	case OpPublish, OpEvent:
		if f.Channel == "" {
			return fmt.Errorf("%s requires channel", f.Op)
		}
		if len(f.Envelope) == 0 {
			return fmt.Errorf("%s requires envelope body", f.Op)
		}
	case OpPresenceEnter, OpPresenceUpdate:
		if f.Channel == "" {
			return fmt.Errorf("%s requires channel", f.Op)
		}
		if f.Presence == nil {
			return fmt.Errorf("%s requires presence body", f.Op)
		}
	case OpPresenceEvent:
		if f.Channel == "" || f.Presence == nil {
			return fmt.Errorf("presence_event requires channel and presence body")
		}
	case OpHistory:
		if f.Channel == "" {
			return fmt.Errorf("history requires channel")
		}
		if f.SinceMS < 0 {
			return fmt.Errorf("history since_ms must be >= 0")
		}
	case OpResult:
	case OpError:
		if f.Error == "" {
			return fmt.Errorf("error frame requires a message")
		}
	default:
		return fmt.Errorf("unknown frame op: %q", f.Op)
	}
	return nil
}
