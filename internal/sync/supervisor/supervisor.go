// Package supervisor reacts to reachability changes. Network-up
// signals are debounced, then the connection is driven back to
// connected, channels are reattached, and the outbox is flushed.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce coalesces bursts of reachability flaps.
const DefaultDebounce = 50 * time.Millisecond

// StopFunc cancels a scheduled debounce.
type StopFunc func()

// ScheduleFunc arms a delayed call; tests inject a manual one.
type ScheduleFunc func(d time.Duration, fn func()) StopFunc

// Recoverer performs the actual recovery steps. The supervisor only
// decides when; the engine decides how.
type Recoverer interface {
	// NeedsRecovery reports whether the connection is in a state a
	// reconnect attempt can help.
	NeedsRecovery() bool
	// Recover reconnects, reattaches channels and flushes the outbox.
	Recover(ctx context.Context) error
}

// Config wires the supervisor's seams.
type Config struct {
	Recoverer Recoverer
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// Schedule defaults to time.AfterFunc.
	Schedule ScheduleFunc
	Logger   *slog.Logger
}

// Supervisor debounces reachability signals into recovery attempts.
// At most one recovery runs at a time; signals arriving during a run
// queue exactly one follow-up check.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	stop    StopFunc
	running bool
	rerun   bool
	closed  bool
}

// New constructs a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Recoverer == nil {
		return nil, fmt.Errorf("recoverer is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(d time.Duration, fn func()) StopFunc {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg}, nil
}

// NotifyReachable signals that the network may be back. Repeated
// signals within the debounce window collapse into one check.
func (s *Supervisor) NotifyReachable(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = s.cfg.Schedule(s.cfg.Debounce, func() { s.fire(ctx) })
	s.mu.Unlock()
}

// Close cancels any pending check. Idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) fire(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stop = nil
	s.running = true
	s.mu.Unlock()

	for {
		if !s.cfg.Recoverer.NeedsRecovery() {
			s.cfg.Logger.Debug("connection healthy, skipping recovery")
		} else if err := s.cfg.Recoverer.Recover(ctx); err != nil {
			s.cfg.Logger.Warn("recovery attempt failed", "error", err)
		} else {
			s.cfg.Logger.Info("connection recovered")
		}

		s.mu.Lock()
		if !s.rerun || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.rerun = false
		s.mu.Unlock()
	}
}
