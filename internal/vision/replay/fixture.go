// Package replay provides fixture-driven stand-ins for the pipeline's external
// collaborators: a paced frame source, a detector that answers from the
// fixture, and a speech engine that reads transcript lines from a stream.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/banshee-data/voicelens/internal/vision"
)

// FixtureFrame is one line of a frame fixture.
type FixtureFrame struct {
	Width      int                `json:"width,omitempty"`
	Height     int                `json:"height,omitempty"`
	Detections []vision.Detection `json:"detections,omitempty"`
	// Failure makes the detector fail this frame with the given kind.
	Failure vision.FailureKind `json:"failure,omitempty"`
}

// Fixture is a sequence of frames replayed in order.
type Fixture struct {
	Frames []FixtureFrame
}

// ParseFixture reads a JSON-lines fixture. Blank lines and lines starting
// with '#' are skipped.
func ParseFixture(r io.Reader) (*Fixture, error) {
	fix := &Fixture{}
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var f FixtureFrame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if f.Width == 0 {
			f.Width = 1920
		}
		if f.Height == 0 {
			f.Height = 1080
		}
		fix.Frames = append(fix.Frames, f)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	if len(fix.Frames) == 0 {
		return nil, errors.New("fixture has no frames")
	}
	return fix, nil
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()

	fix, err := ParseFixture(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fix, nil
}

func (f FixtureFrame) validate() error {
	switch f.Failure {
	case "", vision.FailureInference, vision.FailureTimeout, vision.FailureCanceled, vision.FailureMalformed:
	default:
		return fmt.Errorf("unknown failure kind %q", f.Failure)
	}
	if f.Width < 0 || f.Height < 0 {
		return fmt.Errorf("negative frame size %dx%d", f.Width, f.Height)
	}
	for i, d := range f.Detections {
		if strings.TrimSpace(d.Label) == "" {
			return fmt.Errorf("detection %d: empty label", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("detection %d: confidence %v outside [0,1]", i, d.Confidence)
		}
		if !d.Box.Valid() {
			return fmt.Errorf("detection %d: box %+v outside the unit square", i, d.Box)
		}
	}
	return nil
}
