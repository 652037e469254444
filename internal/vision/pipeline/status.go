package pipeline

import (
	"time"

	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/tracks"
)

// Stats are counters since the controller was created.
type Stats struct {
	FramesSubmitted uint64 `json:"frames_submitted"`
	FramesDropped   uint64 `json:"frames_dropped"` // arrived while a detection was in flight
	DetectFailures  uint64 `json:"detect_failures"`
	StaleResults    uint64 `json:"stale_results"` // discarded after a reset
	FramesRendered  uint64 `json:"frames_rendered"`
	Transcripts     uint64 `json:"transcripts"`
	Resets          uint64 `json:"resets"`
}

// Status is a point-in-time snapshot of the controller, published after every
// state change on the presentation goroutine.
type Status struct {
	Running    bool   `json:"running"`
	Generation uint64 `json:"generation"`

	Camera          vision.CameraPosition `json:"camera"`
	CameraAvailable bool                  `json:"camera_available"`
	CameraError     string                `json:"camera_error,omitempty"`

	// Recording is the user's intent; SpeechActive is whether the engine is
	// actually delivering. They diverge after a speech failure.
	Recording    bool     `json:"recording"`
	SpeechActive bool     `json:"speech_active"`
	SpeechError  string   `json:"speech_error,omitempty"`
	Transcript   string   `json:"transcript,omitempty"`
	Targets      []string `json:"targets"`
	HiddenLabels []string `json:"hidden_labels,omitempty"`

	OverlayVisible bool                 `json:"overlay_visible"`
	Viewport       vision.Viewport      `json:"viewport"`
	Overlay        []vision.OverlayItem `json:"overlay"`

	Tracks    []tracks.Track `json:"tracks"`
	Tracker   tracks.Metrics `json:"tracker"`
	Stats     Stats          `json:"stats"`
	LatencyMS []float64      `json:"latency_ms"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// latencyRing keeps the most recent detector latencies in milliseconds.
type latencyRing struct {
	buf  []float64
	next int
	full bool
}

func newLatencyRing(n int) *latencyRing {
	if n < 1 {
		n = 1
	}
	return &latencyRing{buf: make([]float64, n)}
}

func (r *latencyRing) add(d time.Duration) {
	r.buf[r.next] = float64(d) / float64(time.Millisecond)
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// values returns the samples oldest first.
func (r *latencyRing) values() []float64 {
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
