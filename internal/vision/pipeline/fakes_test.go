package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/voice"
)

type fakeSource struct {
	mu      sync.Mutex
	h       FrameHandler
	started int
	stopped int
	seq     uint64
}

func (s *fakeSource) Start(h FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
	s.started++
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = nil
	s.stopped++
	return nil
}

// emit delivers one frame synchronously and reports whether the source was
// started.
func (s *fakeSource) emit() bool {
	s.mu.Lock()
	h := s.h
	s.seq++
	f := vision.Frame{Seq: s.seq, Width: 1920, Height: 1080}
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(f)
	return true
}

// deliver runs emit on its own goroutine, as a camera's delivery goroutine
// would. The channel reports emit's result once the handler has returned.
func (s *fakeSource) deliver() <-chan bool {
	done := make(chan bool, 1)
	go func() { done <- s.emit() }()
	return done
}

func (s *fakeSource) counts() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped
}

type fakeCameras struct {
	sources map[vision.CameraPosition]*fakeSource
}

func (c *fakeCameras) Open(pos vision.CameraPosition) (FrameSource, error) {
	if s, ok := c.sources[pos]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("open %s: %w", pos, vision.ErrCameraUnavailable)
}

type fakeSurface struct {
	mu       sync.Mutex
	overlays []vision.Overlay
}

func (s *fakeSurface) Render(o vision.Overlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays = append(s.overlays, o)
}

func (s *fakeSurface) last() vision.Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overlays) == 0 {
		return vision.Overlay{}
	}
	return s.overlays[len(s.overlays)-1]
}

func (s *fakeSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overlays)
}

type detectCall struct {
	ctx   context.Context
	frame vision.Frame
	reply chan vision.DetectorResult
}

// scriptedDetector hands every call to the test, which answers it through
// reply. Calls honour cancellation.
type scriptedDetector struct {
	calls chan detectCall
}

func newScriptedDetector() *scriptedDetector {
	return &scriptedDetector{calls: make(chan detectCall, 4)}
}

func (d *scriptedDetector) Detect(ctx context.Context, frame vision.Frame) vision.DetectorResult {
	call := detectCall{ctx: ctx, frame: frame, reply: make(chan vision.DetectorResult, 1)}
	d.calls <- call
	select {
	case r := <-call.reply:
		return r
	case <-ctx.Done():
		return vision.DetectFailure{Kind: vision.FailureCanceled, Err: ctx.Err()}
	}
}

func (d *scriptedDetector) next(t *testing.T) detectCall {
	t.Helper()
	select {
	case call := <-d.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("detector was not called")
	}
	return detectCall{}
}

type fakeSpeech struct {
	mu       sync.Mutex
	startErr error
	ch       chan voice.Transcript
	starts   int
	stops    int
}

func (e *fakeSpeech) Start(ctx context.Context) (<-chan voice.Transcript, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.starts++
	e.ch = make(chan voice.Transcript, 8)
	return e.ch, nil
}

func (e *fakeSpeech) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *fakeSpeech) say(tr voice.Transcript) {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	ch <- tr
}

// end closes the current session from the engine side.
func (e *fakeSpeech) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
}

type fakeRecorder struct {
	mu          sync.Mutex
	frames      []FrameRecord
	transcripts []TranscriptRecord
	resets      []ResetRecord
}

func (r *fakeRecorder) RecordFrame(rec FrameRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, rec)
}

func (r *fakeRecorder) RecordTranscript(rec TranscriptRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, rec)
}

func (r *fakeRecorder) RecordReset(rec ResetRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, rec)
}

func (r *fakeRecorder) counts() (frames, transcripts, resets int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.transcripts), len(r.resets)
}
