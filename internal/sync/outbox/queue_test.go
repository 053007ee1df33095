package outbox

import (
	"fmt"
	"testing"

	"github.com/tiger/scribe-sync/api/envelope"
)

func contextEnvelope(n int) envelope.Envelope {
	return envelope.Envelope{
		Type:           envelope.TypeSessionContext,
		SessionID:      fmt.Sprintf("sess-%d", n),
		TimestampMS:    int64(n),
		SessionContext: &envelope.SessionContextPayload{},
	}
}

func TestEnqueueDropsOldestAtCapacity(t *testing.T) {
	t.Parallel()

	q := New(3)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(contextEnvelope(i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if q.Len() > 3 {
			t.Fatalf("queue exceeded capacity: %d", q.Len())
		}
	}
	if q.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", q.Dropped())
	}

	var got []string
	q.Flush(func(env envelope.Envelope) error {
		got = append(got, env.SessionID)
		return nil
	})
	want := []string{"sess-2", "sess-3", "sess-4"}
	if len(got) != len(want) {
		t.Fatalf("flushed %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flush order[%d] = %s, want %s (oldest must be dropped, not newest)", i, got[i], want[i])
		}
	}
}

func TestFlushRequeuesFailuresOnce(t *testing.T) {
	t.Parallel()

	q := New(5)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(contextEnvelope(i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	attempts := 0
	sent, requeued := q.Flush(func(envelope.Envelope) error {
		attempts++
		return fmt.Errorf("channel broken")
	})
	if sent != 0 || requeued != 3 {
		t.Fatalf("sent=%d requeued=%d, want 0 and 3", sent, requeued)
	}
	if attempts != 3 {
		t.Fatalf("each entry must be attempted exactly once per flush, got %d attempts", attempts)
	}
	if q.Len() != 3 {
		t.Fatalf("failed entries must return to the queue, len=%d", q.Len())
	}

	// A later flush over a healthy channel drains them in order.
	var order []string
	sent, requeued = q.Flush(func(env envelope.Envelope) error {
		order = append(order, env.SessionID)
		return nil
	})
	if sent != 3 || requeued != 0 {
		t.Fatalf("sent=%d requeued=%d, want 3 and 0", sent, requeued)
	}
	if order[0] != "sess-0" || order[2] != "sess-2" {
		t.Fatalf("flush order not preserved: %v", order)
	}
}

func TestEnqueueRejectsSendNowOrDropTypes(t *testing.T) {
	t.Parallel()

	q := New(5)
	env := envelope.Envelope{
		Type:            envelope.TypeRecordingStatus,
		TimestampMS:     1,
		RecordingStatus: &envelope.RecordingStatusPayload{Recording: true},
	}
	if err := q.Enqueue(env); err == nil {
		t.Fatalf("expected recording_status to be rejected from the outbox")
	}
	if q.Len() != 0 {
		t.Fatalf("rejected entry must not be queued")
	}
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()

	q := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		if err := q.Enqueue(contextEnvelope(i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len() != DefaultCapacity {
		t.Fatalf("len = %d, want %d", q.Len(), DefaultCapacity)
	}
}
