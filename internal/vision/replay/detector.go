package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/voicelens/internal/vision"
)

// Detector answers from the *FixtureFrame carried in each frame's Payload.
type Detector struct {
	// Latency simulates inference time.
	Latency time.Duration
}

// Detect returns the fixture frame's detections, or its scripted failure.
func (d *Detector) Detect(ctx context.Context, frame vision.Frame) vision.DetectorResult {
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return vision.DetectFailure{Kind: vision.FailureCanceled, Err: ctx.Err()}
		}
	}

	f, ok := frame.Payload.(*FixtureFrame)
	if !ok || f == nil {
		return vision.DetectFailure{
			Kind: vision.FailureMalformed,
			Err:  fmt.Errorf("frame %d payload is %T, not a fixture frame", frame.Seq, frame.Payload),
		}
	}
	if f.Failure != "" {
		return vision.DetectFailure{Kind: f.Failure, Err: fmt.Errorf("scripted failure on frame %d", frame.Seq)}
	}
	return vision.Detections(append([]vision.Detection(nil), f.Detections...))
}
