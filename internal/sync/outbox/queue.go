// Package outbox buffers envelopes that could not be sent yet. The
// queue is a bounded FIFO: when full, the oldest entry is dropped so
// fresh state wins over stale state.
package outbox

import (
	"fmt"
	"sync"

	"github.com/tiger/scribe-sync/api/envelope"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 20

// SendFunc delivers one envelope over a ready channel.
type SendFunc func(envelope.Envelope) error

// Queue is a capacity-bounded FIFO of not-yet-sent envelopes.
type Queue struct {
	mu       sync.Mutex
	entries  []envelope.Envelope
	capacity int
	dropped  int
}

// New constructs a queue; capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends an envelope, dropping from the head when full.
// Send-now-or-drop envelope types are rejected: they must never be
// replayed late.
func (q *Queue) Enqueue(env envelope.Envelope) error {
	if envelope.SendNowOrDrop(env.Type) {
		return fmt.Errorf("envelope type %s bypasses the outbox", env.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		drop := len(q.entries) - q.capacity + 1
		q.entries = append([]envelope.Envelope(nil), q.entries[drop:]...)
		q.dropped += drop
	}
	q.entries = append(q.entries, env)
	return nil
}

// Flush drains the queue in order through send. An entry whose send
// fails is re-enqueued once; entries re-enqueued during this flush are
// not retried again, so a persistently broken channel cannot loop.
func (q *Queue) Flush(send SendFunc) (sent, requeued int) {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	var failures []envelope.Envelope
	for _, env := range pending {
		if err := send(env); err != nil {
			failures = append(failures, env)
			continue
		}
		sent++
	}

	if len(failures) > 0 {
		q.mu.Lock()
		// Failed entries go back ahead of anything enqueued mid-flush
		// to preserve original order, still subject to the cap.
		q.entries = append(failures, q.entries...)
		if len(q.entries) > q.capacity {
			drop := len(q.entries) - q.capacity
			q.entries = append([]envelope.Envelope(nil), q.entries[drop:]...)
			q.dropped += drop
		}
		requeued = len(failures)
		q.mu.Unlock()
	}
	return sent, requeued
}

// Len reports the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped reports how many envelopes were discarded by the cap.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
