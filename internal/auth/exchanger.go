// Package auth exchanges a device credential for a short-lived relay
// token. A capture device holds a guest token, the controller holds an
// owner credential; both go through the same exchange endpoint.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/scribe-sync/internal/retry"
)

const (
	// EnvAuthURL configures the token exchange endpoint.
	EnvAuthURL = "SCRIBESYNC_AUTH_URL"
	// EnvAuthTimeoutMS configures the per-request timeout in milliseconds.
	EnvAuthTimeoutMS = "SCRIBESYNC_AUTH_TIMEOUT_MS"
	// EnvAuthClientID configures the client identity header value.
	EnvAuthClientID = "SCRIBESYNC_AUTH_CLIENT_ID"

	defaultAuthTimeoutMS int64 = 5_000
)

// Credentials is the device-side secret presented at exchange time.
type Credentials struct {
	// OwnerID is set for the controller identity.
	OwnerID string `json:"owner_id,omitempty"`
	// GuestToken is set for a capture device joining by invite.
	GuestToken string `json:"guest_token,omitempty"`
	DeviceID   string `json:"device_id"`
}

// Validate enforces that exactly one credential kind is present.
func (c Credentials) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	hasOwner := c.OwnerID != ""
	hasGuest := c.GuestToken != ""
	if hasOwner == hasGuest {
		return fmt.Errorf("exactly one of owner_id or guest_token is required")
	}
	return nil
}

// Token is a relay token with its expiry.
type Token struct {
	Value     string `json:"token"`
	ExpiresMS int64  `json:"expires_ms"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresMS > 0 && now.UnixMilli() >= t.ExpiresMS
}

// Exchanger trades credentials for a relay token.
type Exchanger interface {
	Exchange(ctx context.Context, creds Credentials) (Token, error)
}

// StatusError is a non-2xx exchange response.
type StatusError struct {
	StatusCode int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("token exchange failed: status_code=%d", e.StatusCode)
}

// Fatal reports whether the status means the credential itself was
// rejected and retrying is pointless.
func (e StatusError) Fatal() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Config configures the HTTP exchanger.
type Config struct {
	URL      string
	Timeout  time.Duration
	Client   *http.Client
	ClientID string
	// Delays overrides the retry schedule; defaults to retry.AuthSchedule.
	Delays []time.Duration
	Sleep  func(ctx context.Context, d time.Duration) error
}

// ConfigFromEnv resolves exchanger config from the environment.
func ConfigFromEnv() (Config, error) {
	rawURL := strings.TrimSpace(os.Getenv(EnvAuthURL))
	if rawURL == "" {
		return Config{}, fmt.Errorf("%s is required", EnvAuthURL)
	}
	if _, err := normalizeURL(rawURL); err != nil {
		return Config{}, err
	}
	timeout, err := parsePositiveDurationEnvMS(EnvAuthTimeoutMS, defaultAuthTimeoutMS)
	if err != nil {
		return Config{}, err
	}
	return Config{
		URL:      rawURL,
		Timeout:  timeout,
		ClientID: strings.TrimSpace(os.Getenv(EnvAuthClientID)),
	}, nil
}

// HTTPExchanger posts credentials to the exchange endpoint, retrying
// transient failures on a fixed 2s/4s/8s schedule. Credential
// rejections are surfaced immediately.
type HTTPExchanger struct {
	cfg Config
}

// NewHTTPExchanger validates and normalizes cfg.
func NewHTTPExchanger(cfg Config) (*HTTPExchanger, error) {
	normalized, err := normalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.URL = normalized
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(defaultAuthTimeoutMS) * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Delays == nil {
		cfg.Delays = retry.AuthSchedule()
	}
	return &HTTPExchanger{cfg: cfg}, nil
}

// Exchange performs the token exchange.
func (e *HTTPExchanger) Exchange(ctx context.Context, creds Credentials) (Token, error) {
	if err := creds.Validate(); err != nil {
		return Token{}, fmt.Errorf("invalid credentials: %w", err)
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return Token{}, fmt.Errorf("marshal credentials: %w", err)
	}

	policy := retry.Policy{
		Delays: e.cfg.Delays,
		Sleep:  e.cfg.Sleep,
		Classify: func(err error) retry.Class {
			var statusErr StatusError
			if errors.As(err, &statusErr) && statusErr.Fatal() {
				return retry.ClassFatal
			}
			return retry.ClassRetryable
		},
	}

	var token Token
	err = policy.Do(ctx, func(ctx context.Context) error {
		got, exchangeErr := e.exchangeOnce(ctx, payload)
		if exchangeErr != nil {
			return exchangeErr
		}
		token = got
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

func (e *HTTPExchanger) exchangeOnce(ctx context.Context, payload []byte) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("build token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.cfg.ClientID != "" {
		req.Header.Set("X-ScribeSync-Client-ID", e.cfg.ClientID)
	}

	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return Token{}, StatusError{StatusCode: resp.StatusCode}
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return Token{}, fmt.Errorf("decode token exchange response: %w", err)
	}
	if token.Value == "" {
		return Token{}, fmt.Errorf("token exchange response missing token")
	}
	return token, nil
}

func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("token exchange endpoint is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse token exchange endpoint %s: %w", trimmed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("token exchange endpoint %s must use http or https", trimmed)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("token exchange endpoint %s host is required", trimmed)
	}
	return trimmed, nil
}

func parsePositiveDurationEnvMS(name string, fallbackMS int64) (time.Duration, error) {
	fallback := time.Duration(fallbackMS) * time.Millisecond
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed < 1 {
		return 0, fmt.Errorf("parse %s: value must be >=1ms", name)
	}
	return time.Duration(parsed) * time.Millisecond, nil
}
