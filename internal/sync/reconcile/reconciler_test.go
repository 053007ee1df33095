package reconcile

import (
	"strings"
	"testing"

	"github.com/tiger/scribe-sync/api/envelope"
)

func TestMergeTrimsThreeTokenOverlap(t *testing.T) {
	t.Parallel()

	r := New()
	r.Merge(Fragment{Text: "the patient reports mild pain today"})
	got := r.Merge(Fragment{Text: "mild pain today in the knee"})
	want := "the patient reports mild pain today in the knee"
	if got != want {
		t.Fatalf("merged = %q, want %q", got, want)
	}
}

func TestMergeTwoTokenOverlapDuplicatesByDesign(t *testing.T) {
	t.Parallel()

	// A 2-token overlap is below the minimum accepted match length, so
	// the duplicated phrase is kept. This boundary is deliberate:
	// trimming on short matches risks eating non-duplicate content.
	r := New()
	r.Merge(Fragment{Text: "the patient reports mild pain"})
	got := r.Merge(Fragment{Text: "mild pain in the left knee"})
	want := "the patient reports mild pain mild pain in the left knee"
	if got != want {
		t.Fatalf("merged = %q, want %q", got, want)
	}
}

func TestMergeIgnoresCaseAndPunctuationWhenMatching(t *testing.T) {
	t.Parallel()

	r := New()
	r.Merge(Fragment{Text: "History of hypertension, takes Lisinopril daily."})
	got := r.Merge(Fragment{Text: "takes lisinopril daily and reports no side effects"})
	want := "History of hypertension, takes Lisinopril daily. and reports no side effects"
	if got != want {
		t.Fatalf("merged = %q, want %q", got, want)
	}
}

func TestMergePreservesIncomingCasingInKeptRemainder(t *testing.T) {
	t.Parallel()

	r := New()
	r.Merge(Fragment{Text: "referred to Dr Smith for review"})
	got := r.Merge(Fragment{Text: "Smith for review MRI Tuesday"})
	if !strings.HasSuffix(got, "MRI Tuesday") {
		t.Fatalf("kept remainder lost original casing: %q", got)
	}
	if strings.Count(got, "for review") != 1 {
		t.Fatalf("overlap not deduplicated: %q", got)
	}
}

func TestMergeFullDuplicateFragmentIsNoOp(t *testing.T) {
	t.Parallel()

	r := New()
	first := r.Merge(Fragment{Text: "blood pressure one forty over ninety"})
	second := r.Merge(Fragment{Text: "blood pressure one forty over ninety"})
	if second != first {
		t.Fatalf("redelivered fragment changed transcript: %q -> %q", first, second)
	}
}

func TestMergePrefersWordTimingsForTokenization(t *testing.T) {
	t.Parallel()

	r := New()
	r.Merge(Fragment{Text: "swelling around the ankle joint"})
	got := r.Merge(Fragment{
		Text: "the ankle joint shows bruising",
		Words: []envelope.WordTiming{
			{Word: "the", StartMS: 0, EndMS: 100},
			{Word: "ankle", StartMS: 100, EndMS: 400},
			{Word: "joint", StartMS: 400, EndMS: 700},
			{Word: "shows", StartMS: 700, EndMS: 900},
			{Word: "bruising", StartMS: 900, EndMS: 1300},
		},
	})
	want := "swelling around the ankle joint shows bruising"
	if got != want {
		t.Fatalf("merged = %q, want %q", got, want)
	}
}

func TestMergeSearchesOnlyTrailingWindow(t *testing.T) {
	t.Parallel()

	// An overlap with text deeper than the trailing window must not be
	// found; only the tail participates in matching.
	old := "alpha bravo charlie"
	var filler []string
	for i := 0; i < trailingWindow+5; i++ {
		filler = append(filler, "word"+string(rune('a'+i%26)))
	}
	r := New()
	r.Merge(Fragment{Text: old})
	r.Merge(Fragment{Text: strings.Join(filler, " ")})
	got := r.Merge(Fragment{Text: "alpha bravo charlie again"})
	if strings.Count(got, "alpha bravo charlie") != 2 {
		t.Fatalf("expected old text outside the window to be re-appended: %q", got)
	}
}

func TestMergeEmptyAndWhitespaceFragments(t *testing.T) {
	t.Parallel()

	r := New()
	if got := r.Merge(Fragment{Text: "   "}); got != "" {
		t.Fatalf("whitespace fragment produced %q", got)
	}
	r.Merge(Fragment{Text: "stable on current medication"})
	if got := r.Merge(Fragment{Text: ""}); got != "stable on current medication" {
		t.Fatalf("empty fragment changed transcript: %q", got)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	r := New()
	r.Merge(Fragment{Text: "session one text"})
	r.Reset()
	if r.Transcript() != "" {
		t.Fatalf("expected empty transcript after reset")
	}
	if got := r.Merge(Fragment{Text: "session two text"}); got != "session two text" {
		t.Fatalf("merge after reset = %q", got)
	}
}
