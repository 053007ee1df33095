package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/sync/identity"
	"github.com/tiger/scribe-sync/internal/sync/registry"
)

type fakeChannel struct {
	mu       sync.Mutex
	name     string
	state    transport.ChannelState
	attaches int
	detaches int
	failNext error
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) State() transport.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Attach(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	c.attaches++
	c.state = transport.ChannelAttached
	return nil
}

func (c *fakeChannel) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detaches++
	c.state = transport.ChannelDetached
	return nil
}

func (c *fakeChannel) Publish(context.Context, envelope.Envelope) error { return nil }

func (c *fakeChannel) Subscribe(func(envelope.Envelope)) transport.UnsubscribeFunc {
	return func() {}
}

func (c *fakeChannel) History(context.Context, int64, int) ([]envelope.Envelope, error) {
	return nil, nil
}

func (c *fakeChannel) Presence() transport.Presence { return nil }

type fakeConn struct {
	mu       sync.Mutex
	state    transport.ConnectionState
	channels map[string]*fakeChannel
	closed   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: transport.StateConnected, channels: map[string]*fakeChannel{}}
}

func (c *fakeConn) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnStateChange(func(transport.ConnectionState)) transport.UnsubscribeFunc {
	return func() {}
}

func (c *fakeConn) Channel(name string) (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch, nil
	}
	ch := &fakeChannel{name: name, state: transport.ChannelDetached}
	c.channels[name] = ch
	return ch, nil
}

func (c *fakeConn) Connect(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.state = transport.StateClosed
	return nil
}

func (c *fakeConn) channel(name string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

func newTestRouter(t *testing.T, id identity.Identity, role envelope.Role) (*Router, *fakeConn, *registry.Registry) {
	t.Helper()
	conn := newFakeConn()
	reg, err := registry.New(func(context.Context, identity.Identity) (transport.Connection, error) {
		return conn, nil
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r, err := New(reg, id, role, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r, conn, reg
}

func TestAttachControlUsesIdentityChannel(t *testing.T) {
	t.Parallel()

	r, conn, reg := newTestRouter(t, identity.Owner("usr-1"), envelope.RoleController)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}

	ch := conn.channel("user:usr-1")
	if ch == nil || ch.attaches != 1 {
		t.Fatalf("expected user:usr-1 attached once, got %+v", ch)
	}
	if reg.RefCount(identity.Owner("usr-1")) != 1 {
		t.Fatalf("expected one registry hold")
	}

	// Second attach is a no-op.
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("repeat attach control: %v", err)
	}
	if ch.attaches != 1 {
		t.Fatalf("expected no re-attach, got %d", ch.attaches)
	}
}

func TestAttachControlGuestChannel(t *testing.T) {
	t.Parallel()

	r, conn, _ := newTestRouter(t, identity.Guest("tok-9"), envelope.RoleCapture)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}
	if conn.channel("guest:tok-9") == nil {
		t.Fatalf("expected guest control channel")
	}
}

func TestSwitchTranscriptDetachesOldFirst(t *testing.T) {
	t.Parallel()

	r, conn, _ := newTestRouter(t, identity.Guest("tok-1"), envelope.RoleCapture)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}

	if err := r.SwitchTranscript(context.Background(), "sess-1"); err != nil {
		t.Fatalf("switch to sess-1: %v", err)
	}
	if r.TranscriptName() != "consult:sess-1" {
		t.Fatalf("expected consult:sess-1, got %q", r.TranscriptName())
	}

	if err := r.SwitchTranscript(context.Background(), "sess-2"); err != nil {
		t.Fatalf("switch to sess-2: %v", err)
	}
	old := conn.channel("consult:sess-1")
	if old.detaches != 1 {
		t.Fatalf("expected old channel detached, got %d", old.detaches)
	}
	if conn.channel("consult:sess-2").attaches != 1 {
		t.Fatalf("expected new channel attached")
	}
}

func TestSwitchTranscriptSameSessionIsNoOp(t *testing.T) {
	t.Parallel()

	r, conn, _ := newTestRouter(t, identity.Guest("tok-1"), envelope.RoleCapture)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), "sess-1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), "sess-1"); err != nil {
		t.Fatalf("repeat switch: %v", err)
	}
	ch := conn.channel("consult:sess-1")
	if ch.attaches != 1 || ch.detaches != 0 {
		t.Fatalf("expected idempotent switch, attaches=%d detaches=%d", ch.attaches, ch.detaches)
	}
}

func TestSwitchTranscriptEmptySessionDetaches(t *testing.T) {
	t.Parallel()

	r, conn, _ := newTestRouter(t, identity.Guest("tok-1"), envelope.RoleCapture)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), "sess-1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), ""); err != nil {
		t.Fatalf("clear transcript: %v", err)
	}
	if r.Transcript() != nil || r.TranscriptName() != "" {
		t.Fatalf("expected no transcript channel after clear")
	}
	if conn.channel("consult:sess-1").detaches != 1 {
		t.Fatalf("expected old channel detached")
	}
}

func TestControllerCannotSwitchTranscript(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, identity.Owner("usr-1"), envelope.RoleController)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), "sess-1"); !errors.Is(err, ErrControllerTranscript) {
		t.Fatalf("expected ErrControllerTranscript, got %v", err)
	}
}

func TestSwitchTranscriptRequiresAttachedControl(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, identity.Guest("tok-1"), envelope.RoleCapture)
	if err := r.SwitchTranscript(context.Background(), "sess-1"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestAttachFailureReturnsWithoutLeak(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	ch, _ := conn.Channel("guest:tok-1")
	ch.(*fakeChannel).failNext = errors.New("attach refused")
	reg, err := registry.New(func(context.Context, identity.Identity) (transport.Connection, error) {
		return conn, nil
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r, err := New(reg, identity.Guest("tok-1"), envelope.RoleCapture, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	if err := r.AttachControl(context.Background()); err == nil {
		t.Fatalf("expected attach failure to surface")
	}
	if reg.RefCount(identity.Guest("tok-1")) != 0 {
		t.Fatalf("expected registry hold released on failure")
	}
}

func TestCloseDetachesAndReleases(t *testing.T) {
	t.Parallel()

	r, conn, reg := newTestRouter(t, identity.Guest("tok-1"), envelope.RoleCapture)
	if err := r.AttachControl(context.Background()); err != nil {
		t.Fatalf("attach control: %v", err)
	}
	if err := r.SwitchTranscript(context.Background(), "sess-1"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.channel("guest:tok-1").detaches != 1 {
		t.Fatalf("expected control channel detached")
	}
	if conn.channel("consult:sess-1").detaches != 1 {
		t.Fatalf("expected transcript channel detached")
	}
	if reg.RefCount(identity.Guest("tok-1")) != 0 {
		t.Fatalf("expected registry hold released")
	}
	if conn.closed != 1 {
		t.Fatalf("expected connection closed when last hold released, got %d", conn.closed)
	}

	// Idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("repeat close: %v", err)
	}
	if err := r.AttachControl(context.Background()); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expected closed router to reject attach, got %v", err)
	}
}
