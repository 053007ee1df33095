package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	gws "github.com/gorilla/websocket"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/transports/memory"
)

// Relay serves the frame protocol over HTTP. Every accepted websocket
// becomes one hub connection; channel state, presence, and retained
// history live in the shared hub.
type Relay struct {
	cfg    RelayConfig
	hub    *memory.Hub
	logger *slog.Logger
}

// NewRelay builds a relay around a fresh hub.
func NewRelay(cfg RelayConfig, logger *slog.Logger) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	hub := memory.NewHub()
	if cfg.HistoryLimit > 0 {
		hub.SetHistoryLimit(cfg.HistoryLimit)
	}
	return &Relay{cfg: cfg, hub: hub, logger: logger.With("component", "relay")}, nil
}

// Hub exposes the broker, for bridges that fan out beyond this
// process.
func (r *Relay) Hub() *memory.Hub { return r.hub }

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no origin.
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until the peer
// goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	upgrader := gws.Upgrader{CheckOrigin: r.checkOrigin}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	session := &relaySession{
		relay:      r,
		ws:         ws,
		hubConn:    r.hub.Connect(),
		subscribed: map[string]bool{},
	}
	session.run()
}

// relaySession is one connected client and its hub-side twin.
type relaySession struct {
	relay   *Relay
	ws      *gws.Conn
	hubConn *memory.Conn

	writeMu sync.Mutex

	subscribed map[string]bool
	unsubs     []transport.UnsubscribeFunc
}

func (s *relaySession) run() {
	defer s.teardown()
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.write(Frame{Op: OpError, Error: "undecodable frame"})
			continue
		}
		if err := frame.Validate(); err != nil {
			s.write(Frame{Op: OpError, ID: frame.ID, Error: err.Error()})
			continue
		}
		s.write(s.handle(frame))
	}
}

func (s *relaySession) teardown() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	// Closing the hub connection leaves presence everywhere.
	_ = s.hubConn.Close()
	_ = s.ws.Close()
}

func (s *relaySession) write(frame Frame) {
	s.writeMu.Lock()
	err := s.ws.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.relay.logger.Debug("relay write failed", "op", string(frame.Op), "error", err)
	}
}

func (s *relaySession) handle(frame Frame) Frame {
	ctx := context.Background()
	ch, err := s.hubConn.Channel(frame.Channel)
	if err != nil {
		return errorFrame(frame.ID, err)
	}

	switch frame.Op {
	case OpAttach:
		if err := ch.Attach(ctx); err != nil {
			return errorFrame(frame.ID, err)
		}
		s.subscribeOnce(frame.Channel, ch)
		return Frame{Op: OpResult, ID: frame.ID}
	case OpDetach:
		if err := ch.Detach(); err != nil {
			return errorFrame(frame.ID, err)
		}
		return Frame{Op: OpResult, ID: frame.ID}
	case OpPublish:
		env, err := envelope.DecodeWire(frame.Envelope)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		if err := ch.Publish(ctx, env); err != nil {
			return errorFrame(frame.ID, err)
		}
		return Frame{Op: OpResult, ID: frame.ID}
	case OpPresenceEnter, OpPresenceUpdate:
		member := frame.Presence.Member
		if err := member.Validate(); err != nil {
			return errorFrame(frame.ID, err)
		}
		mutate := ch.Presence().Enter
		if frame.Op == OpPresenceUpdate {
			mutate = ch.Presence().Update
		}
		if err := mutate(ctx, member); err != nil {
			return errorFrame(frame.ID, err)
		}
		return Frame{Op: OpResult, ID: frame.ID}
	case OpPresenceLeave:
		if err := ch.Presence().Leave(ctx); err != nil {
			return errorFrame(frame.ID, err)
		}
		return Frame{Op: OpResult, ID: frame.ID}
	case OpMembers:
		members, err := ch.Presence().Members(ctx)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		return Frame{Op: OpResult, ID: frame.ID, Members: members}
	case OpHistory:
		missed, err := ch.History(ctx, frame.SinceMS, frame.Limit)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		history := make([]json.RawMessage, 0, len(missed))
		for _, env := range missed {
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			history = append(history, raw)
		}
		return Frame{Op: OpResult, ID: frame.ID, History: history}
	default:
		return errorFrame(frame.ID, fmt.Errorf("unsupported op: %q", frame.Op))
	}
}

// subscribeOnce wires hub deliveries for a channel back over the
// websocket. The first attach subscribes; later attaches reuse it.
func (s *relaySession) subscribeOnce(name string, ch transport.Channel) {
	if s.subscribed[name] {
		return
	}
	s.subscribed[name] = true
	unsubMsgs := ch.Subscribe(func(env envelope.Envelope) {
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		s.write(Frame{Op: OpEvent, Channel: name, Envelope: raw})
	})
	unsubPresence := ch.Presence().Subscribe(func(ev transport.PresenceEvent) {
		s.write(Frame{Op: OpPresenceEvent, Channel: name, Presence: &PresenceBody{Action: ev.Action, Member: ev.Member}})
	})
	s.unsubs = append(s.unsubs, unsubMsgs, unsubPresence)
}

func errorFrame(id int64, err error) Frame {
	return Frame{Op: OpError, ID: id, Error: err.Error()}
}
