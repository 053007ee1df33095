package cancellation

import "testing"

func TestFenceAcceptAndIsFenced(t *testing.T) {
	t.Parallel()

	fence := NewFence()
	if fence.IsFenced("sess-1", "op-1") {
		t.Fatalf("expected fence false before accept")
	}
	if err := fence.Accept("sess-1", "op-1"); err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if !fence.IsFenced("sess-1", "op-1") {
		t.Fatalf("expected fence true after accept")
	}
}

func TestFenceRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	fence := NewFence()
	if err := fence.Accept("", "op-1"); err == nil {
		t.Fatalf("expected empty session to fail")
	}
	if err := fence.Accept("sess-1", ""); err == nil {
		t.Fatalf("expected empty op to fail")
	}
}

func TestGenerationsSupersedeOldWork(t *testing.T) {
	t.Parallel()

	fence := NewFence()
	gen := fence.Generation("sess-1")
	if fence.Stale("sess-1", gen) {
		t.Fatalf("expected current generation fresh")
	}

	next := fence.Advance("sess-1")
	if next != gen+1 {
		t.Fatalf("expected generation %d, got %d", gen+1, next)
	}
	if !fence.Stale("sess-1", gen) {
		t.Fatalf("expected old generation stale after advance")
	}
	if fence.Stale("sess-1", next) {
		t.Fatalf("expected new generation fresh")
	}
}

func TestGenerationsAreSessionScoped(t *testing.T) {
	t.Parallel()

	fence := NewFence()
	genA := fence.Generation("sess-a")
	fence.Advance("sess-b")
	if fence.Stale("sess-a", genA) {
		t.Fatalf("expected sess-a untouched by sess-b advance")
	}
}

func TestForgetClearsSessionState(t *testing.T) {
	t.Parallel()

	fence := NewFence()
	if err := fence.Accept("sess-1", "op-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fence.Advance("sess-1")
	fence.Forget("sess-1")

	if fence.IsFenced("sess-1", "op-1") {
		t.Fatalf("expected fenced marker dropped")
	}
	if fence.Generation("sess-1") != 0 {
		t.Fatalf("expected generation reset")
	}
}
