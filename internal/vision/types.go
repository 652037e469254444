package vision

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NormRect is a detector bounding box in normalised image coordinates.
// All four values lie in [0, 1]; the origin is the bottom-left corner of the
// image, so Y grows upwards.
type NormRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether the rectangle lies inside the unit square.
func (r NormRect) Valid() bool {
	if r.X < 0 || r.Y < 0 || r.W < 0 || r.H < 0 {
		return false
	}
	return r.X+r.W <= 1+1e-9 && r.Y+r.H <= 1+1e-9
}

// ScreenRect is a rectangle on the display surface in points, origin top-left.
type ScreenRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Viewport is the size of the display surface the overlay is drawn on.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Landscape reports whether the viewport is wider than it is tall.
func (v Viewport) Landscape() bool { return v.Width > v.Height }

// Empty reports whether the viewport has no drawable area.
func (v Viewport) Empty() bool { return v.Width <= 0 || v.Height <= 0 }

// ObservationID is the opaque identity handle the detector's tracking
// primitive assigns to one physical observation. Detections of the same
// physical object across frames carry equal IDs. The zero value means the
// detector supplied no identity.
type ObservationID string

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	Label       string        `json:"label"`
	Confidence  float64       `json:"confidence"`
	Box         NormRect      `json:"box"`
	Observation ObservationID `json:"observation,omitempty"`
}

// NormalizedLabel returns the lower-cased, trimmed label used for matching.
func (d Detection) NormalizedLabel() string {
	return strings.ToLower(strings.TrimSpace(d.Label))
}

// Frame is an opaque frame handle delivered by a frame source.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	// Payload is the source-specific image handle; the pipeline never looks at it.
	Payload any
}

// CameraPosition selects the physical camera.
type CameraPosition string

const (
	CameraBack  CameraPosition = "back"
	CameraFront CameraPosition = "front"
)

// ParseCameraPosition accepts "front" or "back" in any case.
func ParseCameraPosition(s string) (CameraPosition, error) {
	switch CameraPosition(strings.ToLower(strings.TrimSpace(s))) {
	case CameraBack:
		return CameraBack, nil
	case CameraFront:
		return CameraFront, nil
	}
	return "", fmt.Errorf("unknown camera position %q (want front or back)", s)
}

// OverlayItem is one rectangle plus caption handed to the overlay surface.
type OverlayItem struct {
	Rect       ScreenRect `json:"rect"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	// TrackID is empty when the detection was rendered without a track
	// because the tracker was at capacity.
	TrackID string `json:"track_id,omitempty"`
}

// Overlay is the complete set of rectangles shown on the display surface.
// Each Render replaces the previous overlay.
type Overlay struct {
	// Seq is assigned by the surface, increasing per rendered overlay.
	Seq        uint64        `json:"seq"`
	Generation uint64        `json:"generation"`
	Visible    bool          `json:"visible"`
	Viewport   Viewport      `json:"viewport"`
	Items      []OverlayItem `json:"items"`
}

// DetectorResult is the outcome of one detector call: either Detections or
// a DetectFailure.
type DetectorResult interface {
	isDetectorResult()
}

// Detections is a successful detector batch for one frame.
type Detections []Detection

func (Detections) isDetectorResult() {}

// FailureKind classifies a detector failure.
type FailureKind string

const (
	FailureInference FailureKind = "inference"
	FailureTimeout   FailureKind = "timeout"
	FailureCanceled  FailureKind = "canceled"
	FailureMalformed FailureKind = "malformed"
)

// DetectFailure is a failed detector call.
type DetectFailure struct {
	Kind FailureKind
	Err  error
}

func (DetectFailure) isDetectorResult() {}

func (f DetectFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("detector %s failure", f.Kind)
	}
	return fmt.Sprintf("detector %s failure: %v", f.Kind, f.Err)
}

func (f DetectFailure) Unwrap() error { return f.Err }

// ErrCameraUnavailable is returned when no frame source exists for a camera position.
var ErrCameraUnavailable = errors.New("camera unavailable")
