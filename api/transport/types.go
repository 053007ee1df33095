// Package transport defines the transport-neutral pub/sub contract the
// sync engine runs on. Adapters (websocket, redis bridge, in-memory)
// implement these interfaces; everything above them is adapter-agnostic.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/tiger/scribe-sync/api/envelope"
)

// Kind identifies the adapter modality.
type Kind string

const (
	KindWebSocket   Kind = "websocket"
	KindRedisBridge Kind = "redis_bridge"
	KindMemory      Kind = "memory"
)

// ConnectionState is the normalized connection lifecycle state.
type ConnectionState string

const (
	StateInitialized  ConnectionState = "initialized"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateSuspended    ConnectionState = "suspended"
	StateClosing      ConnectionState = "closing"
	StateClosed       ConnectionState = "closed"
	StateFailed       ConnectionState = "failed"
)

// IsUsable reports whether a registry entry in this state may be shared
// with another consumer. Anything else is stale and must be replaced.
func (s ConnectionState) IsUsable() bool {
	return s == StateInitialized || s == StateConnecting || s == StateConnected
}

// NeedsReconnect reports whether the state warrants a reconnect drive.
func (s ConnectionState) NeedsReconnect() bool {
	return s == StateDisconnected || s == StateSuspended || s == StateClosed || s == StateFailed
}

// ChannelState is the normalized channel attachment state.
type ChannelState string

const (
	ChannelDetached  ChannelState = "detached"
	ChannelAttaching ChannelState = "attaching"
	ChannelAttached  ChannelState = "attached"
	ChannelDetaching ChannelState = "detaching"
	ChannelFailed    ChannelState = "failed"
)

// PresenceAction is a presence set mutation kind.
type PresenceAction string

const (
	PresenceEnter  PresenceAction = "enter"
	PresenceLeave  PresenceAction = "leave"
	PresenceUpdate PresenceAction = "update"
)

// PresenceEvent is one observed presence set mutation.
type PresenceEvent struct {
	Action PresenceAction
	Member envelope.PresenceData
}

// Validate enforces presence event invariants.
func (e PresenceEvent) Validate() error {
	switch e.Action {
	case PresenceEnter, PresenceLeave, PresenceUpdate:
	default:
		return fmt.Errorf("invalid presence action: %q", e.Action)
	}
	return e.Member.Validate()
}

// ErrNotAttached is returned by channel operations that require an
// attached channel.
var ErrNotAttached = errors.New("channel is not attached")

// ErrConnectionClosed is returned when an operation races teardown.
var ErrConnectionClosed = errors.New("connection is closed")

// UnsubscribeFunc removes a previously registered handler.
type UnsubscribeFunc func()

// Connection is one multiplexed link to the relay. Many logical owners
// share a Connection through the registry; only the registry closes it.
type Connection interface {
	// State returns the current lifecycle state.
	State() ConnectionState
	// OnStateChange registers a lifecycle observer.
	OnStateChange(fn func(ConnectionState)) UnsubscribeFunc
	// Channel resolves the named channel on this connection. Resolving
	// the same name twice yields the same channel.
	Channel(name string) (Channel, error)
	// Connect drives the connection toward StateConnected. It is safe
	// to call on an already connected or connecting connection.
	Connect(ctx context.Context) error
	// Close tears the connection down and releases its channels.
	Close() error
}

// Channel is an attached subscription to one named pub/sub topic.
type Channel interface {
	Name() string
	State() ChannelState
	Attach(ctx context.Context) error
	Detach() error
	// Publish sends one envelope to all subscribers of the channel.
	Publish(ctx context.Context, env envelope.Envelope) error
	// Subscribe registers a message handler. Handlers are invoked in
	// delivery order for a given sender.
	Subscribe(fn func(envelope.Envelope)) UnsubscribeFunc
	// History returns retained envelopes with TimestampMS strictly
	// greater than sinceMS, oldest first, capped at limit.
	History(ctx context.Context, sinceMS int64, limit int) ([]envelope.Envelope, error)
	Presence() Presence
}

// Presence is the per-channel presence surface.
type Presence interface {
	Enter(ctx context.Context, data envelope.PresenceData) error
	Update(ctx context.Context, data envelope.PresenceData) error
	Leave(ctx context.Context) error
	Members(ctx context.Context) ([]envelope.PresenceData, error)
	Subscribe(fn func(PresenceEvent)) UnsubscribeFunc
}
