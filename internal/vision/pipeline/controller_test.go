package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/voicelens/internal/config"
	"github.com/banshee-data/voicelens/internal/timeutil"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/screenmap"
	"github.com/banshee-data/voicelens/internal/vision/voice"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var dogBox = vision.NormRect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}

type harness struct {
	c        *Controller
	back     *fakeSource
	front    *fakeSource
	cameras  *fakeCameras
	surface  *fakeSurface
	det      *scriptedDetector
	speech   *fakeSpeech
	recorder *fakeRecorder
}

func newHarness(t *testing.T, mutate func(*Config, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		back:     &fakeSource{},
		front:    &fakeSource{},
		surface:  &fakeSurface{},
		det:      newScriptedDetector(),
		speech:   &fakeSpeech{},
		recorder: &fakeRecorder{},
	}
	h.cameras = &fakeCameras{sources: map[vision.CameraPosition]*fakeSource{
		vision.CameraBack:  h.back,
		vision.CameraFront: h.front,
	}}

	cfg := DefaultConfig()
	deps := Dependencies{
		Detector: h.det,
		Cameras:  h.cameras,
		Speech:   h.speech,
		Surface:  h.surface,
		Recorder: h.recorder,
		Clock:    timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	c, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	h.c = c
	return h
}

func (h *harness) submit(t *testing.T, cmd Command) {
	t.Helper()
	require.NoError(t, h.c.Submit(context.Background(), cmd))
}

func (h *harness) eventually(t *testing.T, cond func(Status) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.c.Status()) }, waitFor, tick, msg)
}

// listen starts recording and applies a transcript.
func (h *harness) listen(t *testing.T, text string, wantTargets ...string) {
	t.Helper()
	h.submit(t, ToggleRecording{})
	h.eventually(t, func(s Status) bool { return s.SpeechActive }, "speech session active")
	h.speech.say(voice.Transcript{Text: text})
	h.eventually(t, func(s Status) bool { return cmp.Equal(s.Targets, wantTargets) }, "targets applied")
}

// handled waits for a frame handed to deliver to come back from the handler.
func handled(t *testing.T, done <-chan bool) {
	t.Helper()
	select {
	case ok := <-done:
		require.True(t, ok, "source not started")
	case <-time.After(waitFor):
		t.Fatal("frame handler did not return")
	}
}

// detectOnce emits a frame on src and answers the detector call with res.
func (h *harness) detectOnce(t *testing.T, src *fakeSource, res vision.DetectorResult) {
	t.Helper()
	before := h.c.Status().Stats
	done := src.deliver()
	call := h.det.next(t)
	call.reply <- res
	handled(t, done)
	h.eventually(t, func(s Status) bool {
		return s.Stats.FramesRendered+s.Stats.DetectFailures > before.FramesRendered+before.DetectFailures
	}, "result presented")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{Cameras: &fakeCameras{}, Surface: &fakeSurface{}})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Dependencies{Detector: newScriptedDetector(), Surface: &fakeSurface{}})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), Dependencies{Detector: newScriptedDetector(), Cameras: &fakeCameras{}})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	assert.ErrorIs(t, h.c.Start(context.Background()), ErrAlreadyRunning)
	st := h.c.Status()
	assert.True(t, st.Running)
	assert.True(t, st.CameraAvailable)
	assert.Equal(t, vision.CameraBack, st.Camera)

	require.NoError(t, h.c.Stop())
	assert.ErrorIs(t, h.c.Stop(), ErrNotRunning)
	assert.ErrorIs(t, h.c.Submit(context.Background(), ToggleRecording{}), ErrNotRunning)

	_, stopped := h.back.counts()
	assert.Equal(t, 1, stopped)
	assert.False(t, h.c.Status().Running)
	assert.Empty(t, h.surface.last().Items)
	assert.False(t, h.back.emit(), "stopped source must not deliver")

	// Restart reopens the camera.
	require.NoError(t, h.c.Start(context.Background()))
	started, _ := h.back.counts()
	assert.Equal(t, 2, started)
}

func TestScenarioA(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "I see a dog and a cat", "cat", "dog")

	h.detectOnce(t, h.back, vision.Detections{
		{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"},
		{Label: "car", Confidence: 0.8, Box: vision.NormRect{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}, Observation: "o2"},
	})

	got := h.surface.last()
	require.Len(t, got.Items, 1)
	item := got.Items[0]
	assert.Equal(t, "dog", item.Label)
	assert.InDelta(t, 0.9, item.Confidence, 1e-9)
	assert.NotEmpty(t, item.TrackID)

	want := screenmap.Map(dogBox, vision.Viewport{Width: 390, Height: 844})
	if diff := cmp.Diff(want, item.Rect, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("rect mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.Visible)

	st := h.c.Status()
	assert.Len(t, st.Tracks, 1)
	assert.Len(t, st.LatencyMS, 1)
	assert.Equal(t, "I see a dog and a cat", st.Transcript)
}

func TestNoTargetsRendersNothing(t *testing.T) {
	h := newHarness(t, nil)

	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 1, Box: dogBox, Observation: "o1"}})

	assert.Empty(t, h.surface.last().Items)
	assert.Empty(t, h.c.Status().Tracks)
}

func TestHandleFrameWaitsForDetector(t *testing.T) {
	h := newHarness(t, nil)

	done := h.back.deliver()
	call := h.det.next(t)
	assert.Equal(t, uint64(1), call.frame.Seq)

	select {
	case <-done:
		t.Fatal("HandleFrame returned before the detector replied")
	case <-time.After(20 * time.Millisecond):
	}

	call.reply <- vision.Detections{}
	handled(t, done)
	h.eventually(t, func(s Status) bool { return s.Stats.FramesRendered == 1 }, "frame presented")
}

func TestFramesDroppedWhileInFlight(t *testing.T) {
	h := newHarness(t, nil)

	done := h.back.deliver()
	call := h.det.next(t)

	// Frames from another goroutine are dropped without waiting.
	require.True(t, h.back.emit())
	require.True(t, h.back.emit())
	select {
	case <-h.det.calls:
		t.Fatal("second detector call while one was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// Drops show up before anything is presented.
	assert.Equal(t, uint64(2), h.c.Status().Stats.FramesDropped)
	assert.Equal(t, uint64(1), h.c.Status().Stats.FramesSubmitted)

	call.reply <- vision.Detections{}
	handled(t, done)
	h.eventually(t, func(s Status) bool { return s.Stats.FramesRendered == 1 }, "first frame presented")

	st := h.c.Status()
	assert.Equal(t, uint64(1), st.Stats.FramesSubmitted)
	assert.Equal(t, uint64(2), st.Stats.FramesDropped)

	// The slot is free again.
	h.detectOnce(t, h.back, vision.Detections{})
	assert.Equal(t, uint64(2), h.c.Status().Stats.FramesSubmitted)
}

func TestCameraToggleDiscardsInFlightAndTracks(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	require.Len(t, h.c.Status().Tracks, 1)
	genBefore := h.c.Status().Generation

	// Leave a call in flight across the switch.
	done := h.back.deliver()
	pending := h.det.next(t)

	h.submit(t, SetCameraPosition{Position: vision.CameraFront})
	h.eventually(t, func(s Status) bool { return s.Camera == vision.CameraFront }, "camera switched")
	h.eventually(t, func(s Status) bool { return s.Stats.StaleResults == 1 }, "late result discarded")

	select {
	case <-pending.ctx.Done():
	default:
		t.Error("in-flight detector context was not cancelled")
	}
	handled(t, done)

	st := h.c.Status()
	assert.Empty(t, st.Tracks)
	assert.Empty(t, st.Overlay)
	assert.Greater(t, st.Generation, genBefore)
	assert.Equal(t, uint64(0), st.Stats.DetectFailures)
	assert.Equal(t, []string{"dog"}, st.Targets, "targets survive a camera change")
	assert.Empty(t, h.surface.last().Items)

	_, backStopped := h.back.counts()
	frontStarted, _ := h.front.counts()
	assert.Equal(t, 1, backStopped)
	assert.Equal(t, 1, frontStarted)

	// Frames from the new camera flow normally.
	h.detectOnce(t, h.front, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o9"}})
	assert.Len(t, h.surface.last().Items, 1)
}

func TestDetectorFailureKeepsOverlay(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	renders := h.surface.count()

	h.detectOnce(t, h.back, vision.DetectFailure{Kind: vision.FailureInference, Err: errors.New("model exploded")})

	st := h.c.Status()
	assert.Equal(t, uint64(1), st.Stats.DetectFailures)
	assert.Equal(t, renders, h.surface.count(), "failure must not re-render")
	assert.Len(t, st.Overlay, 1)
	assert.Len(t, st.Tracks, 1)

	frames, _, _ := h.recorder.counts()
	assert.Equal(t, 2, frames)
	h.recorder.mu.Lock()
	assert.Equal(t, "inference", h.recorder.frames[1].Failure)
	h.recorder.mu.Unlock()
}

func TestNilDetectorResultIsMalformed(t *testing.T) {
	h := newHarness(t, nil)

	done := h.back.deliver()
	h.det.next(t).reply <- nil
	handled(t, done)
	h.eventually(t, func(s Status) bool { return s.Stats.DetectFailures == 1 }, "nil result counted as failure")
}

func TestDetectorTimeoutKeepsSlotBusy(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, func(cfg *Config, deps *Dependencies) {
		cfg.DetectTimeout = 20 * time.Millisecond
		deps.Detector = DetectorFunc(func(ctx context.Context, frame vision.Frame) vision.DetectorResult {
			if calls.Add(1) == 1 {
				<-release // ignores ctx
			}
			return vision.Detections{}
		})
	})

	require.True(t, h.back.emit())
	h.eventually(t, func(s Status) bool { return s.Stats.DetectFailures == 1 }, "timeout reported")

	// Still busy: the hung call has not returned.
	h.back.emit()
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool {
		h.back.emit()
		return h.c.Status().Stats.FramesRendered == 1
	}, waitFor, tick)

	st := h.c.Status()
	assert.GreaterOrEqual(t, st.Stats.FramesDropped, uint64(1))
	assert.Equal(t, uint64(1), st.Stats.DetectFailures)
}

func TestHungDetectorReleasedByCameraSwitch(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var calls atomic.Int32
	h := newHarness(t, func(cfg *Config, deps *Dependencies) {
		cfg.DetectTimeout = 20 * time.Millisecond
		deps.Detector = DetectorFunc(func(ctx context.Context, frame vision.Frame) vision.DetectorResult {
			if calls.Add(1) == 1 {
				<-release // ignores ctx
			}
			return vision.Detections{}
		})
	})

	require.True(t, h.back.emit())
	h.eventually(t, func(s Status) bool { return s.Stats.DetectFailures == 1 }, "timeout reported")
	require.True(t, h.back.emit())
	assert.Equal(t, int32(1), calls.Load(), "hung call still holds the slot")

	h.submit(t, SetCameraPosition{Position: vision.CameraFront})
	h.eventually(t, func(s Status) bool { return s.Camera == vision.CameraFront && s.CameraAvailable }, "camera switched")

	require.True(t, h.front.emit())
	assert.Equal(t, int32(2), calls.Load(), "new camera reaches the detector")
	h.eventually(t, func(s Status) bool { return s.Stats.FramesRendered == 1 }, "front frame presented")
}

func TestToggleRecordingOffResets(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	gen := h.c.Status().Generation

	h.submit(t, ToggleRecording{})
	h.eventually(t, func(s Status) bool { return !s.Recording }, "recording stopped")

	st := h.c.Status()
	assert.False(t, st.SpeechActive)
	assert.Empty(t, st.Targets)
	assert.Empty(t, st.Tracks)
	assert.Empty(t, st.Transcript)
	assert.Equal(t, gen+1, st.Generation)
	assert.Empty(t, h.surface.last().Items)

	h.speech.mu.Lock()
	assert.Equal(t, 1, h.speech.stops)
	h.speech.mu.Unlock()

	_, _, resets := h.recorder.counts()
	assert.Equal(t, 1, resets)
}

func TestAbsentTranscriptEvictsWithoutReset(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	gen := h.c.Status().Generation

	h.speech.say(voice.Transcript{Cleared: true})
	h.eventually(t, func(s Status) bool { return len(s.Tracks) == 0 }, "tracks evicted")

	st := h.c.Status()
	assert.Empty(t, st.Targets)
	assert.True(t, st.Recording)
	assert.True(t, st.SpeechActive)
	assert.Equal(t, gen, st.Generation)
	assert.Empty(t, h.surface.last().Items)

	// With no targets nothing renders.
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	assert.Empty(t, h.surface.last().Items)
}

func TestTranscriptReplacesTargets(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")

	h.speech.say(voice.Transcript{Text: "show me the cat please"})
	h.eventually(t, func(s Status) bool { return cmp.Equal(s.Targets, []string{"cat"}) }, "targets replaced")
}

func TestSpeechStartFailureDiverges(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Dependencies) {
		deps.Speech = &fakeSpeech{startErr: errors.New("microphone permission denied")}
	})

	h.submit(t, ToggleRecording{})
	h.eventually(t, func(s Status) bool { return s.Recording }, "recording intent set")

	st := h.c.Status()
	assert.False(t, st.SpeechActive)
	assert.Equal(t, "microphone permission denied", st.SpeechError)
	assert.Empty(t, st.Targets)

	// Toggling again clears the divergence.
	h.submit(t, ToggleRecording{})
	h.eventually(t, func(s Status) bool { return !s.Recording }, "recording stopped")
}

func TestSpeechErrorMidSession(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})

	h.speech.say(voice.Transcript{Err: errors.New("recognizer unavailable")})
	h.eventually(t, func(s Status) bool { return !s.SpeechActive }, "speech inactive")

	st := h.c.Status()
	assert.True(t, st.Recording)
	assert.Equal(t, "recognizer unavailable", st.SpeechError)
	assert.Empty(t, st.Targets)
	assert.Empty(t, st.Tracks)
}

func TestSpeechSessionEndedByEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")

	h.speech.end()
	h.eventually(t, func(s Status) bool { return !s.Recording }, "recording stopped")
	assert.Empty(t, h.c.Status().Targets)
}

func TestNoSpeechEngine(t *testing.T) {
	h := newHarness(t, func(_ *Config, deps *Dependencies) { deps.Speech = nil })

	h.submit(t, ToggleRecording{})
	h.eventually(t, func(s Status) bool { return s.Recording && s.SpeechError != "" }, "speech error reported")
	assert.False(t, h.c.Status().SpeechActive)
}

func TestCameraUnavailableIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	delete(h.cameras.sources, vision.CameraFront)

	h.submit(t, SetCameraPosition{Position: vision.CameraFront})
	h.eventually(t, func(s Status) bool { return s.Camera == vision.CameraFront }, "camera switched")

	st := h.c.Status()
	assert.True(t, st.Running)
	assert.False(t, st.CameraAvailable)
	assert.Contains(t, st.CameraError, "camera unavailable")

	h.submit(t, SetCameraPosition{Position: vision.CameraBack})
	h.eventually(t, func(s Status) bool { return s.CameraAvailable }, "back camera reopened")
}

func TestStartWithUnavailableCamera(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Dependencies) { cfg.Camera = "side" })

	st := h.c.Status()
	assert.True(t, st.Running)
	assert.False(t, st.CameraAvailable)
}

func TestSameCameraIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	gen := h.c.Status().Generation

	h.submit(t, SetCameraPosition{Position: vision.CameraBack})
	h.submit(t, SetOverlayVisible{Visible: false})
	h.eventually(t, func(s Status) bool { return !s.OverlayVisible }, "barrier")

	assert.Equal(t, gen, h.c.Status().Generation)
}

func TestHiddenLabelsAreStoredOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")

	h.submit(t, SetExplicitHiddenLabels{Labels: []string{"Dog", " dog ", "cat", ""}})
	h.eventually(t, func(s Status) bool { return len(s.HiddenLabels) == 2 }, "hidden labels stored")
	assert.Equal(t, []string{"cat", "dog"}, h.c.Status().HiddenLabels)

	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})
	assert.Len(t, h.surface.last().Items, 1, "hidden labels do not filter")
}

func TestOverlayVisibility(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})

	h.submit(t, SetOverlayVisible{Visible: false})
	h.eventually(t, func(s Status) bool { return !s.OverlayVisible }, "overlay hidden")

	last := h.surface.last()
	assert.False(t, last.Visible)
	assert.Len(t, last.Items, 1, "hiding keeps the items")
	assert.Len(t, h.c.Status().Tracks, 1, "hiding keeps tracking")
}

func TestViewportChangeRemaps(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})

	vp := vision.Viewport{Width: 1000, Height: 2000}
	h.submit(t, SetViewport{Viewport: vp})
	h.eventually(t, func(s Status) bool { return s.Viewport == vp }, "viewport applied")

	last := h.surface.last()
	require.Len(t, last.Items, 1)
	if diff := cmp.Diff(screenmap.Map(dogBox, vp), last.Items[0].Rect, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("rect mismatch (-want +got):\n%s", diff)
	}

	// Empty viewports are ignored.
	h.submit(t, SetViewport{Viewport: vision.Viewport{}})
	h.submit(t, SetOverlayVisible{Visible: false})
	h.eventually(t, func(s Status) bool { return !s.OverlayVisible }, "barrier")
	assert.Equal(t, vp, h.c.Status().Viewport)
}

func TestAspectFillMapper(t *testing.T) {
	src := screenmap.Source{Width: 1080, Height: 1920}
	h := newHarness(t, func(cfg *Config, _ *Dependencies) {
		cfg.Mapper = screenmap.Mapper{CompensateCrop: true, Source: src}
	})
	h.listen(t, "dog", "dog")
	h.detectOnce(t, h.back, vision.Detections{{Label: "dog", Confidence: 0.9, Box: dogBox, Observation: "o1"}})

	want := screenmap.AspectFill(dogBox, vision.Viewport{Width: 390, Height: 844}, src)
	got := h.surface.last().Items[0].Rect
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("rect mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusUpdates(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(t, SetOverlayVisible{Visible: false})
	require.Eventually(t, func() bool {
		select {
		case st := <-h.c.StatusUpdates():
			return !st.OverlayVisible
		default:
			return false
		}
	}, waitFor, tick)
}

func TestRecorderReceivesTranscripts(t *testing.T) {
	h := newHarness(t, nil)
	h.listen(t, "a dog", "dog")

	_, transcripts, _ := h.recorder.counts()
	assert.Equal(t, 1, transcripts)
	h.recorder.mu.Lock()
	assert.Equal(t, []string{"dog"}, h.recorder.transcripts[0].Targets)
	h.recorder.mu.Unlock()
}

func TestConfigFromTuning(t *testing.T) {
	cfg, err := ConfigFromTuning(config.EmptyTuningConfig())
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Tracker, cfg.Tracker)
	assert.Equal(t, def.Viewport, cfg.Viewport)
	assert.Equal(t, def.Camera, cfg.Camera)
	assert.Equal(t, def.DetectTimeout, cfg.DetectTimeout)
	assert.False(t, cfg.Mapper.CompensateCrop)
}

func TestLatencyRing(t *testing.T) {
	r := newLatencyRing(3)
	assert.Empty(t, r.values())

	for i := 1; i <= 4; i++ {
		r.add(time.Duration(i) * time.Millisecond)
	}
	assert.Equal(t, []float64{2, 3, 4}, r.values())
}
