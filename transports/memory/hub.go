// Package memory is an in-process transport. Delivery is synchronous
// and deterministic, which makes it the reference backend for tests
// and the demo commands. The hub can sever connectivity to simulate a
// network drop.
package memory

import (
	"context"
	"sync"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

// DefaultHistoryLimit bounds retained envelopes per channel.
const DefaultHistoryLimit = 200

// Hub is the shared broker all connections publish through.
type Hub struct {
	mu           sync.Mutex
	channels     map[string]*hubChannel
	conns        map[*Conn]struct{}
	historyLimit int
	reachable    bool
	tap          func(channel string, env envelope.Envelope)
}

type hubChannel struct {
	history []envelope.Envelope
	members map[*Conn]envelope.PresenceData
}

// NewHub constructs a reachable hub.
func NewHub() *Hub {
	return &Hub{
		channels:     map[string]*hubChannel{},
		conns:        map[*Conn]struct{}{},
		historyLimit: DefaultHistoryLimit,
		reachable:    true,
	}
}

// SetHistoryLimit overrides the per-channel history bound.
func (h *Hub) SetHistoryLimit(limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit > 0 {
		h.historyLimit = limit
	}
}

// SetTap registers a hook invoked after every successful publish, for
// bridges that mirror traffic beyond this hub. At most one tap.
func (h *Hub) SetTap(fn func(channel string, env envelope.Envelope)) {
	h.mu.Lock()
	h.tap = fn
	h.mu.Unlock()
}

// Connect returns a new, already usable connection.
func (h *Hub) Connect() *Conn {
	conn := &Conn{
		hub:      h,
		state:    transport.StateInitialized,
		channels: map[string]*Chan{},
		stateFns: map[int]func(transport.ConnectionState){},
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	return conn
}

// Sever simulates a network drop: every connection transitions to
// disconnected and publishes start failing until Restore.
func (h *Hub) Sever() {
	h.mu.Lock()
	h.reachable = false
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.setState(transport.StateDisconnected)
	}
}

// Restore makes the hub reachable again. Connections stay down until
// their owner calls Connect.
func (h *Hub) Restore() {
	h.mu.Lock()
	h.reachable = true
	h.mu.Unlock()
}

// Reachable reports hub connectivity.
func (h *Hub) Reachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable
}

// History returns the retained envelopes for a channel, oldest first.
func (h *Hub) History(name string) []envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[name]
	if ch == nil {
		return nil
	}
	out := make([]envelope.Envelope, len(ch.history))
	copy(out, ch.history)
	return out
}

func (h *Hub) channel(name string) *hubChannel {
	ch := h.channels[name]
	if ch == nil {
		ch = &hubChannel{members: map[*Conn]envelope.PresenceData{}}
		h.channels[name] = ch
	}
	return ch
}

// publish retains the envelope and returns the attached subscribers to
// deliver to. Delivery happens outside the hub lock.
func (h *Hub) publish(name string, env envelope.Envelope) ([]func(envelope.Envelope), error) {
	h.mu.Lock()
	if !h.reachable {
		h.mu.Unlock()
		return nil, transport.ErrConnectionClosed
	}
	ch := h.channel(name)
	ch.history = append(ch.history, env)
	if len(ch.history) > h.historyLimit {
		ch.history = ch.history[len(ch.history)-h.historyLimit:]
	}
	fns := h.collectSubscribersLocked(name)
	h.mu.Unlock()
	return fns, nil
}

func (h *Hub) collectSubscribersLocked(name string) []func(envelope.Envelope) {
	var fns []func(envelope.Envelope)
	for conn := range h.conns {
		conn.mu.Lock()
		if ch, ok := conn.channels[name]; ok && conn.state == transport.StateConnected {
			ch.mu.Lock()
			if ch.state == transport.ChannelAttached {
				for _, fn := range ch.subs {
					fns = append(fns, fn)
				}
			}
			ch.mu.Unlock()
		}
		conn.mu.Unlock()
	}
	return fns
}

func (h *Hub) presenceMutate(name string, action transport.PresenceAction, owner *Conn, data envelope.PresenceData) []func() {
	h.mu.Lock()
	ch := h.channel(name)
	switch action {
	case transport.PresenceEnter, transport.PresenceUpdate:
		ch.members[owner] = data
	case transport.PresenceLeave:
		data = ch.members[owner]
		delete(ch.members, owner)
	}
	fns := h.collectPresenceSubscribersLocked(name)
	h.mu.Unlock()

	out := make([]func(), 0, len(fns))
	ev := transport.PresenceEvent{Action: action, Member: data}
	for _, fn := range fns {
		fn := fn
		out = append(out, func() { fn(ev) })
	}
	return out
}

func (h *Hub) collectPresenceSubscribersLocked(name string) []func(transport.PresenceEvent) {
	var fns []func(transport.PresenceEvent)
	for conn := range h.conns {
		conn.mu.Lock()
		if ch, ok := conn.channels[name]; ok && conn.state == transport.StateConnected {
			ch.mu.Lock()
			if ch.state == transport.ChannelAttached {
				for _, fn := range ch.presenceSubs {
					fns = append(fns, fn)
				}
			}
			ch.mu.Unlock()
		}
		conn.mu.Unlock()
	}
	return fns
}

func (h *Hub) members(name string) []envelope.PresenceData {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[name]
	if ch == nil {
		return nil
	}
	out := make([]envelope.PresenceData, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m)
	}
	return out
}

func (h *Hub) dropConn(conn *Conn) []func() {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	return h.leaveAll(conn)
}

// leaveAll leaves presence everywhere the connection is a member.
func (h *Hub) leaveAll(conn *Conn) []func() {
	conn.mu.Lock()
	names := make([]string, 0, len(conn.channels))
	for name := range conn.channels {
		names = append(names, name)
	}
	conn.mu.Unlock()

	var notify []func()
	for _, name := range names {
		h.mu.Lock()
		isMember := false
		if ch := h.channels[name]; ch != nil {
			_, isMember = ch.members[conn]
		}
		h.mu.Unlock()
		if isMember {
			notify = append(notify, h.presenceMutate(name, transport.PresenceLeave, conn, envelope.PresenceData{})...)
		}
	}
	return notify
}

// Conn is one hub connection.
type Conn struct {
	hub *Hub

	mu       sync.Mutex
	state    transport.ConnectionState
	channels map[string]*Chan
	stateFns map[int]func(transport.ConnectionState)
	nextSub  int
	closed   bool
}

var _ transport.Connection = (*Conn)(nil)

// State returns the connection lifecycle state.
func (c *Conn) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a lifecycle observer.
func (c *Conn) OnStateChange(fn func(transport.ConnectionState)) transport.UnsubscribeFunc {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateFns[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateFns, id)
		c.mu.Unlock()
	}
}

// Drop simulates this one connection losing its link while the hub
// stays up. Presence is left everywhere and the state becomes
// disconnected; Connect recovers it.
func (c *Conn) Drop() {
	c.setState(transport.StateDisconnected)
	for _, fn := range c.hub.leaveAll(c) {
		fn()
	}
}

// Connect transitions to connected when the hub is reachable.
func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	c.mu.Unlock()
	if !c.hub.Reachable() {
		c.setState(transport.StateDisconnected)
		return transport.ErrConnectionClosed
	}
	c.setState(transport.StateConnected)
	return nil
}

// Channel resolves a named channel. The same name yields the same
// channel for the connection's lifetime.
func (c *Conn) Channel(name string) (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrConnectionClosed
	}
	if ch, ok := c.channels[name]; ok {
		return ch, nil
	}
	ch := &Chan{
		conn:         c,
		name:         name,
		state:        transport.ChannelDetached,
		subs:         map[int]func(envelope.Envelope){},
		presenceSubs: map[int]func(transport.PresenceEvent){},
	}
	c.channels[name] = ch
	return ch, nil
}

// Close tears the connection down and leaves presence everywhere.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	notify := c.hub.dropConn(c)
	c.setState(transport.StateClosed)
	for _, fn := range notify {
		fn()
	}
	return nil
}

func (c *Conn) setState(s transport.ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(transport.ConnectionState), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Chan is one attached topic on a connection.
type Chan struct {
	conn *Conn
	name string

	mu           sync.Mutex
	state        transport.ChannelState
	subs         map[int]func(envelope.Envelope)
	presenceSubs map[int]func(transport.PresenceEvent)
	nextSub      int
}

var _ transport.Channel = (*Chan)(nil)

// Name returns the channel name.
func (ch *Chan) Name() string { return ch.name }

// State returns the channel lifecycle state.
func (ch *Chan) State() transport.ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Attach joins the channel. The connection must be connected.
func (ch *Chan) Attach(ctx context.Context) error {
	if ch.conn.State() != transport.StateConnected {
		if err := ch.conn.Connect(ctx); err != nil {
			return err
		}
	}
	ch.mu.Lock()
	ch.state = transport.ChannelAttached
	ch.mu.Unlock()
	return nil
}

// Detach leaves the channel, dropping presence membership.
func (ch *Chan) Detach() error {
	ch.mu.Lock()
	ch.state = transport.ChannelDetached
	ch.mu.Unlock()

	hub := ch.conn.hub
	hub.mu.Lock()
	hubCh := hub.channels[ch.name]
	isMember := false
	if hubCh != nil {
		_, isMember = hubCh.members[ch.conn]
	}
	hub.mu.Unlock()
	if isMember {
		for _, fn := range hub.presenceMutate(ch.name, transport.PresenceLeave, ch.conn, envelope.PresenceData{}) {
			fn()
		}
	}
	return nil
}

// Publish delivers the envelope synchronously to every attached
// subscriber, the publisher included.
func (ch *Chan) Publish(_ context.Context, env envelope.Envelope) error {
	if ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	if ch.conn.State() != transport.StateConnected {
		return transport.ErrConnectionClosed
	}
	hub := ch.conn.hub
	fns, err := hub.publish(ch.name, env)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		fn(env)
	}
	hub.mu.Lock()
	tap := hub.tap
	hub.mu.Unlock()
	if tap != nil {
		tap(ch.name, env)
	}
	return nil
}

// Subscribe registers a message handler.
func (ch *Chan) Subscribe(fn func(envelope.Envelope)) transport.UnsubscribeFunc {
	ch.mu.Lock()
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = fn
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}
}

// History returns retained envelopes newer than sinceMS, oldest first.
func (ch *Chan) History(_ context.Context, sinceMS int64, limit int) ([]envelope.Envelope, error) {
	all := ch.conn.hub.History(ch.name)
	out := make([]envelope.Envelope, 0, len(all))
	for _, env := range all {
		if env.TimestampMS > sinceMS {
			out = append(out, env)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Presence returns the channel presence surface.
func (ch *Chan) Presence() transport.Presence {
	return &chanPresence{ch: ch}
}

type chanPresence struct {
	ch *Chan
}

var _ transport.Presence = (*chanPresence)(nil)

func (p *chanPresence) Enter(_ context.Context, data envelope.PresenceData) error {
	return p.mutate(transport.PresenceEnter, data)
}

func (p *chanPresence) Update(_ context.Context, data envelope.PresenceData) error {
	return p.mutate(transport.PresenceUpdate, data)
}

func (p *chanPresence) Leave(context.Context) error {
	return p.mutate(transport.PresenceLeave, envelope.PresenceData{})
}

func (p *chanPresence) Members(context.Context) ([]envelope.PresenceData, error) {
	if p.ch.State() != transport.ChannelAttached {
		return nil, transport.ErrNotAttached
	}
	return p.ch.conn.hub.members(p.ch.name), nil
}

func (p *chanPresence) Subscribe(fn func(transport.PresenceEvent)) transport.UnsubscribeFunc {
	ch := p.ch
	ch.mu.Lock()
	id := ch.nextSub
	ch.nextSub++
	ch.presenceSubs[id] = fn
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		delete(ch.presenceSubs, id)
		ch.mu.Unlock()
	}
}

func (p *chanPresence) mutate(action transport.PresenceAction, data envelope.PresenceData) error {
	if p.ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	if p.ch.conn.State() != transport.StateConnected {
		return transport.ErrConnectionClosed
	}
	for _, fn := range p.ch.conn.hub.presenceMutate(p.ch.name, action, p.ch.conn, data) {
		fn()
	}
	return nil
}
