package websocket

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvURL                = "SCRIBESYNC_WS_URL"
	EnvHandshakeTimeoutMS = "SCRIBESYNC_WS_HANDSHAKE_TIMEOUT_MS"
	EnvRequestTimeoutMS   = "SCRIBESYNC_WS_REQUEST_TIMEOUT_MS"
	EnvListenAddr         = "SCRIBESYNC_WS_LISTEN_ADDR"
	EnvAllowedOrigins     = "SCRIBESYNC_WS_ALLOWED_ORIGINS"
	EnvHistoryLimit       = "SCRIBESYNC_WS_HISTORY_LIMIT"

	defaultHandshakeTimeoutMS = 5000
	defaultRequestTimeoutMS   = 5000
	defaultListenAddr         = ":8471"
)

// Config drives the client adapter.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

// ConfigFromEnv loads client settings from SCRIBESYNC_WS_* variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:              strings.TrimSpace(os.Getenv(EnvURL)),
		HandshakeTimeout: defaultHandshakeTimeoutMS * time.Millisecond,
		RequestTimeout:   defaultRequestTimeoutMS * time.Millisecond,
	}
	var err error
	if cfg.HandshakeTimeout, err = durationEnvMS(EnvHandshakeTimeoutMS, cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnvMS(EnvRequestTimeoutMS, cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate enforces client config invariants.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("relay url is required")
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("relay url scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("relay url requires a host")
	}
	if c.HandshakeTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	return nil
}

// RelayConfig drives the relay handler.
type RelayConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	HistoryLimit   int
}

// RelayConfigFromEnv loads relay settings from SCRIBESYNC_WS_* variables.
func RelayConfigFromEnv() (RelayConfig, error) {
	cfg := RelayConfig{
		ListenAddr: defaultString(strings.TrimSpace(os.Getenv(EnvListenAddr)), defaultListenAddr),
	}
	if raw := strings.TrimSpace(os.Getenv(EnvAllowedOrigins)); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	if raw := strings.TrimSpace(os.Getenv(EnvHistoryLimit)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("parse %s: %w", EnvHistoryLimit, err)
		}
		cfg.HistoryLimit = v
	}
	return cfg, cfg.Validate()
}

// Validate enforces relay config invariants.
func (c RelayConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be >= 0")
	}
	return nil
}

func durationEnvMS(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(v) * time.Millisecond, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
