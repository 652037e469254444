package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/voicelens/internal/vision"
)

var (
	// ErrNotRunning is returned by operations that need a started controller.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrAlreadyRunning is returned by Start on a running controller.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrCameraUnavailable aliases vision.ErrCameraUnavailable for callers
	// that only import this package.
	ErrCameraUnavailable = vision.ErrCameraUnavailable
)

// Detector is the external object detector. Detect must honour ctx; a call
// that ignores cancellation keeps the controller's in-flight slot busy until
// it returns or the next hard reset.
type Detector interface {
	Detect(ctx context.Context, frame vision.Frame) vision.DetectorResult
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame vision.Frame) vision.DetectorResult

// Detect calls f(ctx, frame).
func (f DetectorFunc) Detect(ctx context.Context, frame vision.Frame) vision.DetectorResult {
	return f(ctx, frame)
}

// FrameHandler receives frames from a FrameSource on the source's delivery
// goroutine. The controller's handler blocks until the detector call for the
// frame finishes or fails; frames the source produces meanwhile should be
// skipped or delivered from another goroutine, where they are dropped.
type FrameHandler func(frame vision.Frame)

// FrameSource is one opened camera.
type FrameSource interface {
	// Start begins delivering frames to h. It must not block.
	Start(h FrameHandler) error
	// Stop halts delivery. No call to h begins after Stop returns.
	Stop() error
}

// CameraOpener opens the frame source for a camera position. It returns
// an error wrapping vision.ErrCameraUnavailable when no such camera exists.
type CameraOpener interface {
	Open(pos vision.CameraPosition) (FrameSource, error)
}

// Surface is the overlay rendering primitive. Render replaces whatever was
// shown before. It is called only from the controller's presentation
// goroutine and must not block.
type Surface interface {
	Render(overlay vision.Overlay)
}

// Recorder receives a write-only log of pipeline activity. Implementations
// must not block; the controller calls them from its presentation goroutine.
type Recorder interface {
	RecordFrame(rec FrameRecord)
	RecordTranscript(rec TranscriptRecord)
	RecordReset(rec ResetRecord)
}

// FrameRecord describes one detector result reaching the presentation stage.
type FrameRecord struct {
	At         time.Time
	Generation uint64
	Seq        uint64
	Detections int
	Rendered   int
	Tracks     int
	Latency    time.Duration
	// Failure is the failure kind, empty on success.
	Failure string
}

// TranscriptRecord describes one applied transcript update.
type TranscriptRecord struct {
	At      time.Time
	Text    string
	Targets []string
	Cleared bool
}

// ResetRecord describes a hard reset of tracking state.
type ResetRecord struct {
	At         time.Time
	Generation uint64
	Reason     string
	Camera     vision.CameraPosition
}
