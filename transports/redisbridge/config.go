// Package redisbridge implements the pub/sub contract over Redis for
// deployments that colocate both devices with a shared Redis instead of
// running the websocket relay. Messages ride Redis pub/sub, presence
// lives in a hash per channel, and history in a bounded list.
package redisbridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EnvURL          = "SCRIBESYNC_REDIS_URL"
	EnvKeyPrefix    = "SCRIBESYNC_REDIS_KEY_PREFIX"
	EnvHistoryLimit = "SCRIBESYNC_REDIS_HISTORY_LIMIT"
	EnvOpTimeoutMS  = "SCRIBESYNC_REDIS_OP_TIMEOUT_MS"

	defaultKeyPrefix    = "scribe"
	defaultHistoryLimit = 200
	defaultOpTimeoutMS  = 3000
)

// Config drives the bridge.
type Config struct {
	URL          string
	KeyPrefix    string
	HistoryLimit int
	OpTimeout    time.Duration
}

// ConfigFromEnv loads bridge settings from SCRIBESYNC_REDIS_* variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:          strings.TrimSpace(os.Getenv(EnvURL)),
		KeyPrefix:    defaultString(strings.TrimSpace(os.Getenv(EnvKeyPrefix)), defaultKeyPrefix),
		HistoryLimit: defaultHistoryLimit,
		OpTimeout:    defaultOpTimeoutMS * time.Millisecond,
	}
	if raw := strings.TrimSpace(os.Getenv(EnvHistoryLimit)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvHistoryLimit, err)
		}
		cfg.HistoryLimit = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvOpTimeoutMS)); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvOpTimeoutMS, err)
		}
		cfg.OpTimeout = time.Duration(v) * time.Millisecond
	}
	return cfg, cfg.Validate()
}

// Validate enforces bridge config invariants.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if _, err := redis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be > 0")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("op_timeout must be > 0")
	}
	return nil
}

func (c Config) messageKey(channel string) string {
	return c.KeyPrefix + ":msg:" + channel
}

func (c Config) presenceEventKey(channel string) string {
	return c.KeyPrefix + ":presence-events:" + channel
}

func (c Config) presenceHashKey(channel string) string {
	return c.KeyPrefix + ":presence:" + channel
}

func (c Config) historyKey(channel string) string {
	return c.KeyPrefix + ":history:" + channel
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
