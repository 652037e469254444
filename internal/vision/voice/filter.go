// Package voice turns speech transcripts into the set of object labels the
// user asked to see.
//
// Tokenisation is deliberately naive: the transcript is split on whitespace
// and each token is lower-cased, so multi-word vocabulary entries such as
// "cell phone" never match. Punctuation attached to a word also prevents a
// match ("dog," is not "dog").
package voice

import (
	"context"
	"sort"
	"strings"

	"github.com/banshee-data/voicelens/internal/vision/vocab"
)

// LabelSet is a set of lower-case vocabulary labels.
type LabelSet map[string]struct{}

// Has reports whether label is in the set.
func (s LabelSet) Has(label string) bool {
	_, ok := s[label]
	return ok
}

// Len returns the number of labels.
func (s LabelSet) Len() int { return len(s) }

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Transcript is one update from the speech engine.
type Transcript struct {
	Text string
	// Final marks the engine's final hypothesis for an utterance.
	Final bool
	// Cleared marks the absent transcript: recording stopped or the user
	// cleared what was said.
	Cleared bool
	// Err is set when the engine failed; the session ends after it.
	Err error
}

// Absent reports whether the transcript carries no usable text.
func (t Transcript) Absent() bool {
	return t.Cleared || t.Err != nil || strings.TrimSpace(t.Text) == ""
}

// Engine is the external speech-to-text service. Start begins a recording
// session and returns a channel of transcript updates which is closed when
// the session ends (Stop, context cancellation or an engine error).
type Engine interface {
	Start(ctx context.Context) (<-chan Transcript, error)
	Stop() error
}

// Targets returns the vocabulary labels present as whitespace-separated
// tokens in text.
func Targets(v *vocab.Vocabulary, text string) LabelSet {
	out := make(LabelSet)
	for _, tok := range strings.Fields(text) {
		tok = strings.ToLower(tok)
		if v.Contains(tok) {
			out[tok] = struct{}{}
		}
	}
	return out
}

// Filter holds the active target set. It is owned by a single goroutine.
type Filter struct {
	vocab   *vocab.Vocabulary
	targets LabelSet
}

// NewFilter returns a filter with an empty target set.
func NewFilter(v *vocab.Vocabulary) *Filter {
	return &Filter{vocab: v, targets: make(LabelSet)}
}

// Update replaces the target set from a transcript and returns it. reset is
// true when the transcript was absent; the caller must then evict every track.
func (f *Filter) Update(t Transcript) (targets LabelSet, reset bool) {
	if t.Absent() {
		f.targets = make(LabelSet)
		return f.targets, true
	}
	f.targets = Targets(f.vocab, t.Text)
	return f.targets, false
}

// Clear empties the target set.
func (f *Filter) Clear() {
	f.targets = make(LabelSet)
}

// Targets returns the current target set. Callers must not modify it.
func (f *Filter) Targets() LabelSet { return f.targets }
