// Package registry owns network connections. It is the single owner:
// every other component borrows a connection through Acquire and must
// Release it on teardown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiger/scribe-sync/api/transport"
	"github.com/tiger/scribe-sync/internal/sync/identity"
)

// DialFunc establishes a fresh connection for an identity.
type DialFunc func(ctx context.Context, id identity.Identity) (transport.Connection, error)

type entry struct {
	conn     transport.Connection
	refCount int
}

// Registry maps identity keys to one shared connection each, with a
// reference count. Invariant: refCount >= 0, and the connection is
// closed iff the count reaches 0.
type Registry struct {
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a registry around a dialer.
func New(dial DialFunc, logger *slog.Logger) (*Registry, error) {
	if dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dial:    dial,
		logger:  logger,
		entries: map[string]*entry{},
	}, nil
}

// Acquire returns the shared connection for an identity, creating it on
// first use. A stale entry (state no longer usable) is force-closed and
// replaced so a zombie cannot block legitimate reconnection.
func (r *Registry) Acquire(ctx context.Context, id identity.Identity) (transport.Connection, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	key := id.Key()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		if e.conn.State().IsUsable() {
			e.refCount++
			conn := e.conn
			r.mu.Unlock()
			return conn, nil
		}
		delete(r.entries, key)
		stale := e.conn
		r.mu.Unlock()
		r.logger.Debug("replacing stale connection entry", "key", key, "state", stale.State())
		if err := stale.Close(); err != nil {
			r.logger.Debug("stale connection close failed", "key", key, "error", err)
		}
	} else {
		r.mu.Unlock()
	}

	conn, err := r.dial(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dial connection for %s: %w", key, err)
	}

	r.mu.Lock()
	if existing, ok := r.entries[key]; ok && existing.conn.State().IsUsable() {
		// Someone else created an entry while we were dialing; share
		// theirs and discard ours.
		existing.refCount++
		shared := existing.conn
		r.mu.Unlock()
		_ = conn.Close()
		return shared, nil
	}
	r.entries[key] = &entry{conn: conn, refCount: 1}
	r.mu.Unlock()
	return conn, nil
}

// Release decrements the reference count for an identity, clamped at
// zero, and closes the connection when the last owner lets go. Release
// on an unknown identity is tolerated: teardown races are expected.
func (r *Registry) Release(id identity.Identity) {
	key := id.Key()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	if e.refCount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	conn := e.conn
	r.mu.Unlock()

	if err := conn.Close(); err != nil {
		r.logger.Debug("connection close failed", "key", key, "error", err)
	}
}

// RefCount reports the current count for an identity; zero when absent.
func (r *Registry) RefCount(id identity.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id.Key()]; ok {
		return e.refCount
	}
	return 0
}

// Len reports how many live entries the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
