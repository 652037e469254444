// Package vocab holds the detector's label space: the fixed mapping from
// canonical lower-case class names to numeric class ids.
//
// The default list is the 80-class COCO label set shipped with YOLO models
// and is embedded as configuration data. It must be kept in exact sync with
// whatever detector the pipeline is fed by; a replacement list can be loaded
// from a JSON file at startup. A Vocabulary is immutable once built.
package vocab

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/voicelens/internal/monitoring"
)

//go:embed coco80.json
var coco80JSON []byte

// ErrUnknownLabel is returned by Label for an id outside the vocabulary.
var ErrUnknownLabel = errors.New("label not in vocabulary")

// Entry is one (label, id) pair.
type Entry struct {
	Label string `json:"label"`
	ID    int    `json:"id"`
}

// Vocabulary is a read-only label → id mapping.
type Vocabulary struct {
	byLabel map[string]int
	entries []Entry
}

// New validates entries and builds a Vocabulary. Labels are lower-cased and
// trimmed; empty labels, duplicate labels and duplicate ids are rejected.
func New(entries []Entry) (*Vocabulary, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	v := &Vocabulary{
		byLabel: make(map[string]int, len(entries)),
		entries: make([]Entry, 0, len(entries)),
	}
	seenIDs := make(map[int]string, len(entries))
	for i, e := range entries {
		label := normalize(e.Label)
		if label == "" {
			return nil, fmt.Errorf("entry %d: empty label", i)
		}
		if _, dup := v.byLabel[label]; dup {
			return nil, fmt.Errorf("entry %d: duplicate label %q", i, label)
		}
		if prev, dup := seenIDs[e.ID]; dup {
			return nil, fmt.Errorf("entry %d: id %d already used by %q", i, e.ID, prev)
		}
		seenIDs[e.ID] = label
		v.byLabel[label] = e.ID
		v.entries = append(v.entries, Entry{Label: label, ID: e.ID})
	}
	sort.Slice(v.entries, func(i, j int) bool { return v.entries[i].ID < v.entries[j].ID })
	return v, nil
}

// Parse decodes a JSON array of entries.
func Parse(data []byte) (*Vocabulary, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary JSON: %w", err)
	}
	return New(entries)
}

// Load reads a vocabulary from a .json file.
func Load(path string) (*Vocabulary, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("vocabulary file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	monitoring.Logf("loaded %d vocabulary labels from %s", v.Len(), cleanPath)
	return v, nil
}

// COCO returns the embedded 80-class COCO vocabulary. It panics if the
// embedded data is invalid, which can only happen with a broken build.
func COCO() *Vocabulary {
	v, err := Parse(coco80JSON)
	if err != nil {
		panic("embedded coco80.json: " + err.Error())
	}
	return v
}

// Contains reports whether label (compared case-insensitively) is in the vocabulary.
func (v *Vocabulary) Contains(label string) bool {
	_, ok := v.byLabel[normalize(label)]
	return ok
}

// ID returns the class id for label.
func (v *Vocabulary) ID(label string) (int, bool) {
	id, ok := v.byLabel[normalize(label)]
	return id, ok
}

// Label returns the canonical label for a class id.
func (v *Vocabulary) Label(id int) (string, error) {
	i := sort.Search(len(v.entries), func(i int) bool { return v.entries[i].ID >= id })
	if i < len(v.entries) && v.entries[i].ID == id {
		return v.entries[i].Label, nil
	}
	return "", fmt.Errorf("class id %d: %w", id, ErrUnknownLabel)
}

// Len returns the number of labels.
func (v *Vocabulary) Len() int { return len(v.entries) }

// Entries returns a copy of the entries ordered by id.
func (v *Vocabulary) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
