package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
)

func startRelay(t *testing.T) (*Relay, *httptest.Server, string) {
	t.Helper()
	relay, err := NewRelay(RelayConfig{ListenAddr: ":0"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("expected relay, got error: %v", err)
	}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relay, srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *Conn {
	t.Helper()
	conn, err := Dial(Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("expected client, got error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect, got error: %v", err)
	}
	return conn
}

func attached(t *testing.T, conn *Conn, name string) transport.Channel {
	t.Helper()
	ch, err := conn.Channel(name)
	if err != nil {
		t.Fatalf("expected channel %s, got error: %v", name, err)
	}
	if err := ch.Attach(context.Background()); err != nil {
		t.Fatalf("expected attach %s, got error: %v", name, err)
	}
	return ch
}

func waitFor(t *testing.T, what string, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if done() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wireEnvelope(ts int64, sender, text string) envelope.Envelope {
	return envelope.Envelope{
		Type:           envelope.TypeTranscription,
		SenderDeviceID: sender,
		TimestampMS:    ts,
		Transcription:  &envelope.TranscriptionPayload{Text: text},
	}
}

func TestPublishReachesPeerSubscriber(t *testing.T) {
	t.Parallel()

	_, _, url := startRelay(t)
	sender := dialClient(t, url)
	receiver := dialClient(t, url)

	out := attached(t, sender, "guest:tok-1")
	in := attached(t, receiver, "guest:tok-1")

	var (
		mu  sync.Mutex
		got []envelope.Envelope
	)
	in.Subscribe(func(env envelope.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	if err := out.Publish(context.Background(), wireEnvelope(100, "dev-1", "hello over the wire")); err != nil {
		t.Fatalf("expected publish, got error: %v", err)
	}

	waitFor(t, "envelope delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].SenderDeviceID != "dev-1" || got[0].Transcription.Text != "hello over the wire" {
		t.Fatalf("expected the published envelope, got %+v", got[0])
	}
}

func TestPublishRejectedBySchemaGate(t *testing.T) {
	t.Parallel()

	_, _, url := startRelay(t)
	sender := dialClient(t, url)
	out := attached(t, sender, "guest:tok-1")

	err := out.Publish(context.Background(), envelope.Envelope{
		Type:        envelope.Type("bogus"),
		TimestampMS: 100,
	})
	if err == nil {
		t.Fatalf("expected schema violation to be rejected")
	}
}

func TestPublishRequiresAttachment(t *testing.T) {
	t.Parallel()

	_, _, url := startRelay(t)
	conn := dialClient(t, url)
	ch, err := conn.Channel("guest:tok-1")
	if err != nil {
		t.Fatalf("expected channel, got error: %v", err)
	}
	if err := ch.Publish(context.Background(), wireEnvelope(100, "dev-1", "early")); err != transport.ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestPresenceFlowsBetweenClients(t *testing.T) {
	t.Parallel()

	_, _, url := startRelay(t)
	joiner := dialClient(t, url)
	watcher := dialClient(t, url)

	joinCh := attached(t, joiner, "guest:tok-1")
	watchCh := attached(t, watcher, "guest:tok-1")

	var (
		mu     sync.Mutex
		events []transport.PresenceEvent
	)
	watchCh.Presence().Subscribe(func(ev transport.PresenceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	member := envelope.PresenceData{
		Role:        envelope.RoleCapture,
		Device:      envelope.DeviceInfo{DeviceID: "dev-cap", DeviceType: envelope.DeviceMobile},
		TimestampMS: 100,
	}
	if err := joinCh.Presence().Enter(context.Background(), member); err != nil {
		t.Fatalf("expected presence enter, got error: %v", err)
	}

	waitFor(t, "presence enter", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0].Action == transport.PresenceEnter
	})

	members, err := watchCh.Presence().Members(context.Background())
	if err != nil {
		t.Fatalf("expected members, got error: %v", err)
	}
	if len(members) != 1 || members[0].Device.DeviceID != "dev-cap" {
		t.Fatalf("expected dev-cap in members, got %+v", members)
	}

	// Closing the joiner's link leaves presence implicitly.
	joiner.Close()
	waitFor(t, "presence leave", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2 && events[1].Action == transport.PresenceLeave
	})
}

func TestHistoryReplaysRetainedEnvelopes(t *testing.T) {
	t.Parallel()

	_, _, url := startRelay(t)
	sender := dialClient(t, url)
	out := attached(t, sender, "guest:tok-1")

	ctx := context.Background()
	if err := out.Publish(ctx, wireEnvelope(100, "dev-1", "first fragment here")); err != nil {
		t.Fatalf("expected publish, got error: %v", err)
	}
	if err := out.Publish(ctx, wireEnvelope(200, "dev-1", "second fragment here")); err != nil {
		t.Fatalf("expected publish, got error: %v", err)
	}

	late := dialClient(t, url)
	in := attached(t, late, "guest:tok-1")
	missed, err := in.History(ctx, 100, 10)
	if err != nil {
		t.Fatalf("expected history, got error: %v", err)
	}
	if len(missed) != 1 || missed[0].TimestampMS != 200 {
		t.Fatalf("expected only the envelope newer than 100, got %+v", missed)
	}
}

func TestLinkLossDetachesChannels(t *testing.T) {
	t.Parallel()

	_, srv, url := startRelay(t)
	conn := dialClient(t, url)
	ch := attached(t, conn, "guest:tok-1")

	srv.CloseClientConnections()

	waitFor(t, "disconnect", func() bool {
		return conn.State() == transport.StateDisconnected
	})
	if ch.State() != transport.ChannelDetached {
		t.Fatalf("expected channel detached after link loss, got %s", ch.State())
	}
}

func TestFrameValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"attach with channel", Frame{Op: OpAttach, Channel: "guest:tok-1"}, false},
		{"attach without channel", Frame{Op: OpAttach}, true},
		{"publish without envelope", Frame{Op: OpPublish, Channel: "guest:tok-1"}, true},
		{"presence enter without body", Frame{Op: OpPresenceEnter, Channel: "guest:tok-1"}, true},
		{"history negative since", Frame{Op: OpHistory, Channel: "guest:tok-1", SinceMS: -1}, true},
		{"error without message", Frame{Op: OpError}, true},
		{"unknown op", Frame{Op: Op("teleport")}, true},
		{"result", Frame{Op: OpResult}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.frame.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected valid frame, got %v", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := Config{URL: "ws://relay:8471/sync", HandshakeTimeout: time.Second, RequestTimeout: time.Second}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{HandshakeTimeout: time.Second, RequestTimeout: time.Second}},
		{"http scheme", Config{URL: "http://relay", HandshakeTimeout: time.Second, RequestTimeout: time.Second}},
		{"zero timeout", Config{URL: "ws://relay"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvURL, "ws://relay.internal:8471/sync")
	t.Setenv(EnvHandshakeTimeoutMS, "1500")
	t.Setenv(EnvRequestTimeoutMS, "2500")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("expected config, got error: %v", err)
	}
	if cfg.URL != "ws://relay.internal:8471/sync" {
		t.Fatalf("expected url from env, got %q", cfg.URL)
	}
	if cfg.HandshakeTimeout != 1500*time.Millisecond || cfg.RequestTimeout != 2500*time.Millisecond {
		t.Fatalf("expected timeouts from env, got %v/%v", cfg.HandshakeTimeout, cfg.RequestTimeout)
	}
}

func TestRelayConfigFromEnv(t *testing.T) {
	t.Setenv(EnvListenAddr, ":9999")
	t.Setenv(EnvAllowedOrigins, "https://a.example, https://b.example")
	t.Setenv(EnvHistoryLimit, "25")

	cfg, err := RelayConfigFromEnv()
	if err != nil {
		t.Fatalf("expected config, got error: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("expected listen addr from env, got %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("expected parsed origins, got %v", cfg.AllowedOrigins)
	}
	if cfg.HistoryLimit != 25 {
		t.Fatalf("expected history limit 25, got %d", cfg.HistoryLimit)
	}
}
