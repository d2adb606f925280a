// Package transcript post-processes ordered lines on their way to the
// sinks. Speech models hallucinate under silence and noise, most often by
// repeating the previous utterance; the Filter drops runs of near-identical
// consecutive lines. The optional Corrector sends surviving text through an
// LLM cleanup pass.
//
// Both are Publisher middlewares: they wrap the next Publisher and preserve
// per-session ordering.
package transcript

import (
	"context"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/chorushq/chorus/internal/session"
)

const (
	// defaultSimilarity is the Jaro-Winkler score at or above which two
	// consecutive lines count as repeats.
	defaultSimilarity = 0.92

	// defaultMaxRepeats is how many near-identical lines in a row pass
	// through before suppression starts. People do repeat themselves;
	// models repeat forever.
	defaultMaxRepeats = 2
)

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// WithSimilarity overrides the repeat-detection threshold (0..1].
func WithSimilarity(threshold float64) FilterOption {
	return func(f *Filter) { f.threshold = threshold }
}

// WithMaxRepeats overrides how many consecutive repeats are let through.
func WithMaxRepeats(n int) FilterOption {
	return func(f *Filter) { f.maxRepeats = n }
}

type speakerKey struct {
	userID  string
	guildID string
}

type repeatState struct {
	text  string
	count int
}

// Filter suppresses runs of near-duplicate consecutive lines per speaker.
// Error markers and empty lines always pass through. Safe for concurrent
// use.
type Filter struct {
	next       session.Publisher
	threshold  float64
	maxRepeats int

	mu         sync.Mutex
	last       map[speakerKey]repeatState
	suppressed uint64
}

var _ session.Publisher = (*Filter)(nil)

// NewFilter wraps next with repeat suppression.
func NewFilter(next session.Publisher, opts ...FilterOption) *Filter {
	f := &Filter{
		next:       next,
		threshold:  defaultSimilarity,
		maxRepeats: defaultMaxRepeats,
		last:       make(map[speakerKey]repeatState),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Publish forwards line unless it extends a run of near-identical lines
// beyond the allowed repeat count.
func (f *Filter) Publish(ctx context.Context, line session.Line) error {
	norm := normalize(line.Text)
	if line.Err != nil || norm == "" {
		return f.next.Publish(ctx, line)
	}

	k := speakerKey{line.UserID, line.GuildID}
	f.mu.Lock()
	st := f.last[k]
	if st.text != "" && matchr.JaroWinkler(st.text, norm, false) >= f.threshold {
		st.count++
	} else {
		st = repeatState{text: norm, count: 1}
	}
	f.last[k] = st
	drop := st.count > f.maxRepeats
	if drop {
		f.suppressed++
	}
	f.mu.Unlock()

	if drop {
		return nil
	}
	return f.next.Publish(ctx, line)
}

// Suppressed reports how many lines were dropped as repeats.
func (f *Filter) Suppressed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suppressed
}

// Forget clears the repeat state for one speaker, e.g. when their session
// ends.
func (f *Filter) Forget(userID, guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.last, speakerKey{userID, guildID})
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
