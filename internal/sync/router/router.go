// Package router owns channel membership for one device: the control
// channel it always listens on, and for capture devices the transcript
// channel that follows the active session.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/sync/identity"
	"github.com/tiger/scribe-sync/internal/sync/registry"
)

// ErrControllerTranscript rejects transcript channel switches on the
// controller, which receives transcripts over the control channel.
var ErrControllerTranscript = errors.New("controller does not switch transcript channels")

// ErrNotAttached rejects operations before AttachControl.
var ErrNotAttached = errors.New("control channel not attached")

// Router attaches and detaches channels for a single device. The
// control channel lives for the router's lifetime; the transcript
// channel is swapped as the controller moves between sessions.
type Router struct {
	registry *registry.Registry
	id       identity.Identity
	role     envelope.Role
	logger   *slog.Logger

	mu             sync.Mutex
	conn           transport.Connection
	control        transport.Channel
	transcript     transport.Channel
	transcriptName string
	closed         bool
}

// New constructs a router for the given identity and role.
func New(reg *registry.Registry, id identity.Identity, role envelope.Role, logger *slog.Logger) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if role != envelope.RoleController && role != envelope.RoleCapture {
		return nil, fmt.Errorf("invalid role: %q", role)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: reg, id: id, role: role, logger: logger}, nil
}

// AttachControl acquires the shared connection and attaches the
// identity's control channel. Calling it again after success is a
// no-op.
func (r *Router) AttachControl(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if r.control != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := r.registry.Acquire(ctx, r.id)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	name := r.id.ControlChannel()
	ch, err := conn.Channel(name)
	if err != nil {
		r.registry.Release(r.id)
		return fmt.Errorf("open control channel %q: %w", name, err)
	}
	if err := ch.Attach(ctx); err != nil {
		r.registry.Release(r.id)
		return fmt.Errorf("attach control channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.control = ch
	r.mu.Unlock()
	r.logger.Debug("control channel attached", "channel", name, "role", string(r.role))
	return nil
}

// Control returns the attached control channel.
func (r *Router) Control() (transport.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.control == nil {
		return nil, ErrNotAttached
	}
	return r.control, nil
}

// Transcript returns the current transcript channel, nil when the
// device is not following a session.
func (r *Router) Transcript() transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

// SwitchTranscript moves a capture device onto the transcript channel
// for sessionID, detaching the previous one first. Switching to the
// session already followed is a no-op; an empty sessionID detaches
// without attaching a replacement.
func (r *Router) SwitchTranscript(ctx context.Context, sessionID string) error {
	if r.role != envelope.RoleCapture {
		return ErrControllerTranscript
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if r.conn == nil {
		r.mu.Unlock()
		return ErrNotAttached
	}
	target := ""
	if sessionID != "" {
		target = identity.TranscriptChannel(sessionID)
	}
	if target == r.transcriptName {
		r.mu.Unlock()
		return nil
	}
	old := r.transcript
	oldName := r.transcriptName
	r.transcript = nil
	r.transcriptName = ""
	conn := r.conn
	r.mu.Unlock()

	if old != nil {
		if err := old.Detach(); err != nil {
			r.logger.Warn("detach transcript channel failed", "channel", oldName, "error", err)
		}
	}
	if target == "" {
		return nil
	}

	ch, err := conn.Channel(target)
	if err != nil {
		return fmt.Errorf("open transcript channel %q: %w", target, err)
	}
	if err := ch.Attach(ctx); err != nil {
		return fmt.Errorf("attach transcript channel %q: %w", target, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ch.Detach()
		return transport.ErrConnectionClosed
	}
	r.transcript = ch
	r.transcriptName = target
	r.mu.Unlock()
	r.logger.Debug("transcript channel switched", "from", oldName, "to", target)
	return nil
}

// ConnectionState reports the shared connection's lifecycle state.
func (r *Router) ConnectionState() transport.ConnectionState {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return transport.StateInitialized
	}
	return conn.State()
}

// OnConnectionStateChange registers a lifecycle observer on the shared
// connection.
func (r *Router) OnConnectionStateChange(fn func(transport.ConnectionState)) (transport.UnsubscribeFunc, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, ErrNotAttached
	}
	return conn.OnStateChange(fn), nil
}

// Reconnect drives the shared connection back to connected and
// reattaches the channels the router owns.
func (r *Router) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	conn := r.conn
	control := r.control
	transcript := r.transcript
	r.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if control != nil && control.State() != transport.ChannelAttached {
		if err := control.Attach(ctx); err != nil {
			return fmt.Errorf("reattach control channel: %w", err)
		}
	}
	if transcript != nil && transcript.State() != transport.ChannelAttached {
		if err := transcript.Attach(ctx); err != nil {
			return fmt.Errorf("reattach transcript channel: %w", err)
		}
	}
	return nil
}

// TranscriptName reports the channel the device currently follows.
func (r *Router) TranscriptName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcriptName
}

// Close detaches all channels and releases the shared connection.
// Idempotent.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	control := r.control
	transcript := r.transcript
	conn := r.conn
	r.control = nil
	r.transcript = nil
	r.transcriptName = ""
	r.conn = nil
	r.mu.Unlock()

	if transcript != nil {
		if err := transcript.Detach(); err != nil {
			r.logger.Warn("detach transcript channel failed", "error", err)
		}
	}
	if control != nil {
		if err := control.Detach(); err != nil {
			r.logger.Warn("detach control channel failed", "error", err)
		}
	}
	if conn != nil {
		r.registry.Release(r.id)
	}
	return nil
}
