// scribe-syncd serves the sync relay: controller and capture devices
// connect over the websocket frame protocol, and published envelopes
// can optionally be mirrored to Redis for downstream consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tiger/scribe-sync/api/envelope"
	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/logging"
	"github.com/tiger/scribe-sync/transports/redisbridge"
	wstransport "github.com/tiger/scribe-sync/transports/websocket"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "scribe-syncd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("scribe-syncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", "", "listen address (overrides "+wstransport.EnvListenAddr+")")
	historyLimit := fs.Int("history-limit", 0, "retained envelopes per channel (overrides "+wstransport.EnvHistoryLimit+")")
	redisURL := fs.String("redis-url", os.Getenv(redisbridge.EnvURL), "mirror published envelopes to this Redis (optional)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := wstransport.RelayConfigFromEnv()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *historyLimit > 0 {
		cfg.HistoryLimit = *historyLimit
	}

	logger, err := logging.NewFromEnv()
	if err != nil {
		return err
	}
	relay, err := wstransport.NewRelay(cfg, logger)
	if err != nil {
		return err
	}

	if *redisURL != "" {
		mirror, err := newRedisMirror(*redisURL, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		relay.Hub().SetTap(mirror.tap)
		logger.Info("redis mirror enabled")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	fmt.Fprintf(stdout, "scribe-syncd: serving sync relay on %s\n", ln.Addr())
	logger.Info("relay listening", "addr", ln.Addr().String())
	return serve(relay, ln)
}

func serve(relay http.Handler, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/sync", relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Handler: mux}
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// redisMirror republishes every relay-published envelope onto the
// Redis bridge, one attached channel per relay channel name.
type redisMirror struct {
	conn   *redisbridge.Conn
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]transport.Channel
}

func newRedisMirror(url string, logger *slog.Logger) (*redisMirror, error) {
	cfg, err := redisbridge.ConfigFromEnv()
	if err != nil {
		cfg = redisbridge.Config{}
	}
	cfg.URL = url
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "scribe"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	conn, err := redisbridge.Dial(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(context.Background()); err != nil {
		return nil, err
	}
	return &redisMirror{conn: conn, logger: logger, channels: map[string]transport.Channel{}}, nil
}

func (m *redisMirror) tap(channel string, env envelope.Envelope) {
	ch, err := m.channel(channel)
	if err != nil {
		m.logger.Debug("redis mirror channel failed", "channel", channel, "error", err)
		return
	}
	if err := ch.Publish(context.Background(), env); err != nil {
		m.logger.Debug("redis mirror publish failed", "channel", channel, "error", err)
	}
}

func (m *redisMirror) channel(name string) (transport.Channel, error) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	m.mu.Unlock()
	if ok {
		return ch, nil
	}
	ch, err := m.conn.Channel(name)
	if err != nil {
		return nil, err
	}
	if err := ch.Attach(context.Background()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()
	return ch, nil
}

func (m *redisMirror) Close() {
	_ = m.conn.Close()
}
