package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

// Conn is a relay-backed connection. One websocket link multiplexes
// every channel the registry hands out on this identity.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *gws.Conn
	state    transport.ConnectionState
	stateFns map[int]func(transport.ConnectionState)
	nextSub  int
	channels map[string]*Chan
	pending  map[int64]chan Frame
	nextID   int64
	closed   bool
}

// Dial returns an unconnected client; Connect establishes the link.
func Dial(cfg Config, logger *slog.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:      cfg,
		logger:   logger.With("transport", string(transport.KindWebSocket)),
		state:    transport.StateInitialized,
		stateFns: map[int]func(transport.ConnectionState){},
		channels: map[string]*Chan{},
		pending:  map[int64]chan Frame{},
	}, nil
}

// State returns the current lifecycle state.
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

// Connect dials the relay. Safe to call on an already connected
// connection; after a link loss it re-dials.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(transport.StateConnecting)

	dialer := gws.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(transport.StateDisconnected)
		return fmt.Errorf("dial relay %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return transport.ErrConnectionClosed
	}
	c.ws = ws
	c.mu.Unlock()
	c.setState(transport.StateConnected)
	go c.readLoop(ws)
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

// Close tears the link down. The relay drops presence for every
// channel this connection was a member of.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.failPendingLocked(transport.ErrConnectionClosed)
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	c.setState(transport.StateClosed)
	return nil
}

func (c *Conn) readLoop(ws *gws.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
	c.linkLost(ws)
}

// linkLost marks the connection disconnected and detaches every
// channel so a later reconnect re-attaches them server-side.
func (c *Conn) linkLost(ws *gws.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer link replaced this one already.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	closed := c.closed
	c.failPendingLocked(transport.ErrConnectionClosed)
	channels := make([]*Chan, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.markDetached()
	}
	if !closed {
		c.setState(transport.StateDisconnected)
	}
}

func (c *Conn) failPendingLocked(err error) {
	for id, ch := range c.pending {
		select {
		case ch <- Frame{Op: OpError, Error: err.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Conn) handleFrame(frame Frame) {
	switch frame.Op {
	case OpResult, OpError:
		c.mu.Lock()
		waiter, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- frame
		}
	case OpEvent:
		env, err := envelope.DecodeWire(frame.Envelope)
		if err != nil {
			c.logger.Debug("dropping envelope failing the wire schema", "channel", frame.Channel, "error", err)
			return
		}
		if ch := c.lookup(frame.Channel); ch != nil {
			ch.deliver(env)
		}
	case OpPresenceEvent:
		if frame.Presence == nil {
			return
		}
		ev := transport.PresenceEvent{Action: frame.Presence.Action, Member: frame.Presence.Member}
		if err := ev.Validate(); err != nil {
			c.logger.Debug("dropping malformed presence event", "error", err)
			return
		}
		if ch := c.lookup(frame.Channel); ch != nil {
			ch.deliverPresence(ev)
		}
	default:
		c.logger.Debug("dropping unexpected frame", "op", string(frame.Op))
	}
}

func (c *Conn) lookup(name string) *Chan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// request performs one round trip on the frame protocol.
func (c *Conn) request(ctx context.Context, frame Frame) (Frame, error) {
	c.mu.Lock()
	if c.closed || c.ws == nil {
		c.mu.Unlock()
		return Frame{}, transport.ErrConnectionClosed
	}
	ws := c.ws
	c.nextID++
	frame.ID = c.nextID
	waiter := make(chan Frame, 1)
	c.pending[frame.ID] = waiter
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("write %s frame: %w", frame.Op, err)
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()
	select {
	case resp := <-waiter:
		if resp.Op == OpError {
			return Frame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return Frame{}, ctx.Err()
	case <-timeout.C:
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%s request timed out", frame.Op)
	}
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

// Chan is one relay-backed channel.
type Chan struct {
	conn *Conn
	name string

	mu           sync.Mutex
	state        transport.ChannelState
	subs         map[int]func(envelope.Envelope)
	presenceSubs map[int]func(transport.PresenceEvent)
	nextSub      int
}

// Name returns the channel name.
func (ch *Chan) Name() string { return ch.name }

// State returns the attachment state.
func (ch *Chan) State() transport.ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Attach joins the channel on the relay, connecting first if needed.
func (ch *Chan) Attach(ctx context.Context) error {
	if ch.conn.State() != transport.StateConnected {
		if err := ch.conn.Connect(ctx); err != nil {
			return err
		}
	}
	if _, err := ch.conn.request(ctx, Frame{Op: OpAttach, Channel: ch.name}); err != nil {
		return fmt.Errorf("attach %s: %w", ch.name, err)
	}
	ch.mu.Lock()
	ch.state = transport.ChannelAttached
	ch.mu.Unlock()
	return nil
}

// Detach leaves the channel. A detach racing link loss succeeds
// locally; the relay drops the membership with the dead link.
func (ch *Chan) Detach() error {
	ch.markDetached()
	_, err := ch.conn.request(context.Background(), Frame{Op: OpDetach, Channel: ch.name})
	if err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
		return fmt.Errorf("detach %s: %w", ch.name, err)
	}
	return nil
}

func (ch *Chan) markDetached() {
	ch.mu.Lock()
	ch.state = transport.ChannelDetached
	ch.mu.Unlock()
}

// Publish sends one envelope through the relay.
func (ch *Chan) Publish(ctx context.Context, env envelope.Envelope) error {
	if ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := ch.conn.request(ctx, Frame{Op: OpPublish, Channel: ch.name, Envelope: raw}); err != nil {
		return fmt.Errorf("publish on %s: %w", ch.name, err)
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
func (ch *Chan) History(ctx context.Context, sinceMS int64, limit int) ([]envelope.Envelope, error) {
	resp, err := ch.conn.request(ctx, Frame{Op: OpHistory, Channel: ch.name, SinceMS: sinceMS, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("history on %s: %w", ch.name, err)
	}
	out := make([]envelope.Envelope, 0, len(resp.History))
	for _, raw := range resp.History {
		env, err := envelope.DecodeWire(raw)
		if err != nil {
			ch.conn.logger.Debug("dropping retained envelope failing the wire schema", "channel", ch.name, "error", err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Presence returns the channel's presence surface.
func (ch *Chan) Presence() transport.Presence {
	return &chanPresence{ch: ch}
}

func (ch *Chan) deliver(env envelope.Envelope) {
	ch.mu.Lock()
	fns := make([]func(envelope.Envelope), 0, len(ch.subs))
	for _, fn := range ch.subs {
		fns = append(fns, fn)
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (ch *Chan) deliverPresence(ev transport.PresenceEvent) {
	ch.mu.Lock()
	fns := make([]func(transport.PresenceEvent), 0, len(ch.presenceSubs))
	for _, fn := range ch.presenceSubs {
		fns = append(fns, fn)
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type chanPresence struct {
	ch *Chan
}

func (p *chanPresence) Enter(ctx context.Context, data envelope.PresenceData) error {
	return p.mutate(ctx, OpPresenceEnter, &data)
}

func (p *chanPresence) Update(ctx context.Context, data envelope.PresenceData) error {
	return p.mutate(ctx, OpPresenceUpdate, &data)
}

func (p *chanPresence) Leave(ctx context.Context) error {
	return p.mutate(ctx, OpPresenceLeave, nil)
}

func (p *chanPresence) mutate(ctx context.Context, op Op, data *envelope.PresenceData) error {
	if p.ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	frame := Frame{Op: op, Channel: p.ch.name}
	if data != nil {
		if err := data.Validate(); err != nil {
			return fmt.Errorf("presence data: %w", err)
		}
		action := transport.PresenceEnter
		if op == OpPresenceUpdate {
			action = transport.PresenceUpdate
		}
		frame.Presence = &PresenceBody{Action: action, Member: *data}
	}
	if _, err := p.ch.conn.request(ctx, frame); err != nil {
		return fmt.Errorf("%s on %s: %w", op, p.ch.name, err)
	}
	return nil
}

func (p *chanPresence) Members(ctx context.Context) ([]envelope.PresenceData, error) {
	resp, err := p.ch.conn.request(ctx, Frame{Op: OpMembers, Channel: p.ch.name})
	if err != nil {
		return nil, fmt.Errorf("members on %s: %w", p.ch.name, err)
	}
	return resp.Members, nil
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
