// Package reconcile merges incremental transcript fragments into one
// gapless stream. Fragments can arrive duplicated or overlapping the
// already-merged tail (resend on reconnect, provider partial/final
// duplication); naive concatenation would duplicate words.
package reconcile

import (
	"strings"
	"sync"
	"unicode"

	"github.com/tiger/scribe-sync/api/envelope"
)

const (
	// trailingWindow is how many merged-tail tokens are searched for an
	// overlap with an incoming fragment.
	trailingWindow = 20
	// minOverlap is the smallest accepted overlap in tokens. Shorter
	// matches are too likely to be coincidental; trimming non-duplicate
	// content is the failure mode to avoid, a rare duplicated phrase is
	// harmless.
	minOverlap = 3
)

// Fragment is one incoming piece of speech-to-text output.
type Fragment struct {
	Text  string
	Words []envelope.WordTiming
}

// Reconciler accumulates the deduplicated transcript for one session.
// The merged transcript is append-only from the consumer's point of
// view and is cleared when the session is cleared or switched.
type Reconciler struct {
	mu     sync.Mutex
	merged string
}

// New returns an empty reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// Transcript returns the accumulated transcript.
func (r *Reconciler) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merged
}

// Reset clears the accumulated transcript.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merged = ""
}

// Merge folds a fragment into the transcript and returns the result.
// When the fragment's prefix duplicates the merged tail (>= minOverlap
// tokens) the duplicated prefix is trimmed before appending; original
// casing and punctuation of the kept remainder are preserved.
func (r *Reconciler) Merge(frag Fragment) string {
	incoming := strings.TrimSpace(frag.Text)
	if incoming == "" {
		return r.Transcript()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.merged == "" {
		r.merged = incoming
		return r.merged
	}

	tailTokens := normalizeTokens(tokenize(r.merged))
	if len(tailTokens) > trailingWindow {
		tailTokens = tailTokens[len(tailTokens)-trailingWindow:]
	}
	incomingTokens := normalizeTokens(fragmentTokens(frag))

	overlap := longestOverlap(tailTokens, incomingTokens)
	kept := incoming
	if overlap >= minOverlap {
		kept = dropLeadingTokens(incoming, overlap)
	}

	if kept == "" {
		return r.merged
	}
	r.merged = r.merged + " " + kept
	return r.merged
}

// fragmentTokens prefers word-timing metadata over re-splitting raw
// text: the structured list is less ambiguous.
func fragmentTokens(frag Fragment) []string {
	if len(frag.Words) > 0 {
		tokens := make([]string, 0, len(frag.Words))
		for _, w := range frag.Words {
			tokens = append(tokens, w.Word)
		}
		return tokens
	}
	return tokenize(frag.Text)
}

func tokenize(text string) []string {
	return strings.Fields(text)
}

// normalizeTokens lowercases and strips everything except letters,
// digits, and apostrophes. Tokens that normalize to nothing are kept as
// empty strings so positions still line up with the raw text.
func normalizeTokens(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = normalizeToken(tok)
	}
	return out
}

func normalizeToken(tok string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tok) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// longestOverlap finds the longest suffix of tail that exactly equals a
// prefix of incoming, trying lengths from the maximum possible down to
// minOverlap and accepting the first match.
func longestOverlap(tail, incoming []string) int {
	max := len(tail)
	if len(incoming) < max {
		max = len(incoming)
	}
	for n := max; n >= minOverlap; n-- {
		if equalTokens(tail[len(tail)-n:], incoming[:n]) {
			return n
		}
	}
	return 0
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dropLeadingTokens removes the first n whitespace-delimited tokens
// from the original, non-normalized text.
func dropLeadingTokens(text string, n int) string {
	fields := strings.Fields(text)
	if n >= len(fields) {
		return ""
	}
	return strings.Join(fields[n:], " ")
}
