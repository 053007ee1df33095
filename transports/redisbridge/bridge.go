package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

// presenceWireEvent is the presence mutation published alongside the
// hash write so peers observe membership changes live.
type presenceWireEvent struct {
	Action transport.PresenceAction `json:"action"`
	Member envelope.PresenceData    `json:"member"`
}

// Conn is one bridge connection. go-redis multiplexes and reconnects
// the underlying link; the bridge tracks the coarse lifecycle only.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	rdb      *redis.Client
	state    transport.ConnectionState
	stateFns map[int]func(transport.ConnectionState)
	nextSub  int
	channels map[string]*Chan
	closed   bool
}

// Dial returns an unconnected bridge; Connect establishes and pings
// the Redis link.
func Dial(cfg Config, logger *slog.Logger) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("redis bridge config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:      cfg,
		logger:   logger.With("transport", string(transport.KindRedisBridge)),
		state:    transport.StateInitialized,
		stateFns: map[int]func(transport.ConnectionState){},
		channels: map[string]*Chan{},
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

// Connect opens the client and verifies the server responds.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if c.rdb != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(transport.StateConnecting)

	opts, err := redis.ParseURL(c.cfg.URL)
	if err != nil {
		c.setState(transport.StateFailed)
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		c.setState(transport.StateDisconnected)
		return fmt.Errorf("ping redis: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		rdb.Close()
		return transport.ErrConnectionClosed
	}
	c.rdb = rdb
	c.mu.Unlock()
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

// Close detaches every channel, leaving presence, and closes the
// client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rdb := c.rdb
	c.rdb = nil
	channels := make([]*Chan, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.detach(rdb)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	c.setState(transport.StateClosed)
	return nil
}

func (c *Conn) client() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.rdb == nil {
		return nil, transport.ErrConnectionClosed
	}
	return c.rdb, nil
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

// Chan is one Redis-backed channel.
type Chan struct {
	conn *Conn
	name string

	mu           sync.Mutex
	state        transport.ChannelState
	subs         map[int]func(envelope.Envelope)
	presenceSubs map[int]func(transport.PresenceEvent)
	nextSub      int
	pubsub       *redis.PubSub
	member       *envelope.PresenceData
}

// Name returns the channel name.
func (ch *Chan) Name() string { return ch.name }

// State returns the attachment state.
func (ch *Chan) State() transport.ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Attach subscribes to the channel's message and presence topics,
// connecting first if needed.
func (ch *Chan) Attach(ctx context.Context) error {
	if ch.conn.State() != transport.StateConnected {
		if err := ch.conn.Connect(ctx); err != nil {
			return err
		}
	}
	rdb, err := ch.conn.client()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.state == transport.ChannelAttached {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	pubsub := rdb.Subscribe(context.Background(), ch.conn.cfg.messageKey(ch.name), ch.conn.cfg.presenceEventKey(ch.name))
	confirmCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", ch.name, err)
	}

	ch.mu.Lock()
	ch.pubsub = pubsub
	ch.state = transport.ChannelAttached
	ch.mu.Unlock()
	go ch.readLoop(pubsub)
	return nil
}

func (ch *Chan) readLoop(pubsub *redis.PubSub) {
	msgKey := ch.conn.cfg.messageKey(ch.name)
	presenceKey := ch.conn.cfg.presenceEventKey(ch.name)
	for msg := range pubsub.Channel() {
		switch msg.Channel {
		case msgKey:
			env, err := envelope.DecodeWire([]byte(msg.Payload))
			if err != nil {
				ch.conn.logger.Debug("dropping envelope failing the wire schema", "channel", ch.name, "error", err)
				continue
			}
			ch.deliver(env)
		case presenceKey:
			var ev presenceWireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				ch.conn.logger.Debug("dropping malformed presence event", "channel", ch.name, "error", err)
				continue
			}
			ch.deliverPresence(transport.PresenceEvent{Action: ev.Action, Member: ev.Member})
		}
	}
}

// Detach leaves presence when entered and closes the subscription.
func (ch *Chan) Detach() error {
	rdb, err := ch.conn.client()
	if err != nil {
		rdb = nil
	}
	ch.detach(rdb)
	return nil
}

func (ch *Chan) detach(rdb *redis.Client) {
	ch.mu.Lock()
	pubsub := ch.pubsub
	ch.pubsub = nil
	member := ch.member
	ch.member = nil
	ch.state = transport.ChannelDetached
	ch.mu.Unlock()

	if member != nil && rdb != nil {
		ch.publishPresence(context.Background(), rdb, transport.PresenceLeave, *member)
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
}

// Publish retains the envelope in the bounded history list and fans it
// out over pub/sub.
func (ch *Chan) Publish(ctx context.Context, env envelope.Envelope) error {
	if ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	rdb, err := ch.conn.client()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	historyKey := ch.conn.cfg.historyKey(ch.name)
	pipe := rdb.TxPipeline()
	pipe.RPush(opCtx, historyKey, raw)
	pipe.LTrim(opCtx, historyKey, int64(-ch.conn.cfg.HistoryLimit), -1)
	pipe.Publish(opCtx, ch.conn.cfg.messageKey(ch.name), raw)
	if _, err := pipe.Exec(opCtx); err != nil {
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
	rdb, err := ch.conn.client()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	raws, err := rdb.LRange(opCtx, ch.conn.cfg.historyKey(ch.name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history on %s: %w", ch.name, err)
	}

	out := make([]envelope.Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := envelope.DecodeWire([]byte(raw))
		if err != nil {
			ch.conn.logger.Debug("dropping retained envelope failing the wire schema", "channel", ch.name, "error", err)
			continue
		}
		if env.TimestampMS > sinceMS {
			out = append(out, env)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
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

func (ch *Chan) publishPresence(ctx context.Context, rdb *redis.Client, action transport.PresenceAction, member envelope.PresenceData) {
	raw, err := json.Marshal(presenceWireEvent{Action: action, Member: member})
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	if err := rdb.Publish(opCtx, ch.conn.cfg.presenceEventKey(ch.name), raw).Err(); err != nil {
		ch.conn.logger.Debug("presence event publish failed", "channel", ch.name, "error", err)
	}
}

type chanPresence struct {
	ch *Chan
}

func (p *chanPresence) Enter(ctx context.Context, data envelope.PresenceData) error {
	return p.mutate(ctx, transport.PresenceEnter, data)
}

func (p *chanPresence) Update(ctx context.Context, data envelope.PresenceData) error {
	return p.mutate(ctx, transport.PresenceUpdate, data)
}

func (p *chanPresence) mutate(ctx context.Context, action transport.PresenceAction, data envelope.PresenceData) error {
	ch := p.ch
	if ch.State() != transport.ChannelAttached {
		return transport.ErrNotAttached
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("presence data: %w", err)
	}
	rdb, err := ch.conn.client()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode presence data: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	if err := rdb.HSet(opCtx, ch.conn.cfg.presenceHashKey(ch.name), data.Device.DeviceID, raw).Err(); err != nil {
		return fmt.Errorf("%s on %s: %w", action, ch.name, err)
	}
	ch.mu.Lock()
	ch.member = &data
	ch.mu.Unlock()
	ch.publishPresence(ctx, rdb, action, data)
	return nil
}

func (p *chanPresence) Leave(ctx context.Context) error {
	ch := p.ch
	ch.mu.Lock()
	member := ch.member
	ch.member = nil
	ch.mu.Unlock()
	if member == nil {
		return nil
	}
	rdb, err := ch.conn.client()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	if err := rdb.HDel(opCtx, ch.conn.cfg.presenceHashKey(ch.name), member.Device.DeviceID).Err(); err != nil {
		return fmt.Errorf("leave on %s: %w", ch.name, err)
	}
	ch.publishPresence(ctx, rdb, transport.PresenceLeave, *member)
	return nil
}

func (p *chanPresence) Members(ctx context.Context) ([]envelope.PresenceData, error) {
	ch := p.ch
	rdb, err := ch.conn.client()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, ch.conn.cfg.OpTimeout)
	defer cancel()
	fields, err := rdb.HGetAll(opCtx, ch.conn.cfg.presenceHashKey(ch.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("members on %s: %w", ch.name, err)
	}
	out := make([]envelope.PresenceData, 0, len(fields))
	for _, raw := range fields {
		var data envelope.PresenceData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			ch.conn.logger.Debug("dropping malformed presence member", "channel", ch.name, "error", err)
			continue
		}
		out = append(out, data)
	}
	return out, nil
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
