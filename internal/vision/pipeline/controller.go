// Package pipeline runs the perception loop: frames go to the detector with at
// most one call in flight, results pass through the voice filter and tracker,
// and the mapped rectangles are rendered on the overlay surface.
//
// Three goroutine domains cooperate. The frame source's delivery goroutine
// calls HandleFrame, which runs the detector call to completion (or timeout)
// and posts the result, or drops the frame when a call is already in flight.
// A speech session goroutine forwards transcripts. The presentation goroutine
// owns every piece of mutable pipeline state and is fed only through the
// command channel and two single-slot mailboxes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/voicelens/internal/config"
	"github.com/banshee-data/voicelens/internal/timeutil"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/screenmap"
	"github.com/banshee-data/voicelens/internal/vision/tracks"
	"github.com/banshee-data/voicelens/internal/vision/vocab"
	"github.com/banshee-data/voicelens/internal/vision/voice"
)

// Config holds the controller's tunables.
type Config struct {
	Tracker        tracks.TrackerConfig
	Mapper         screenmap.Mapper
	Viewport       vision.Viewport
	Camera         vision.CameraPosition
	OverlayVisible bool

	// DetectTimeout bounds each detector call.
	DetectTimeout time.Duration

	// StatusBuffer is the capacity of the StatusUpdates channel.
	StatusBuffer int

	// LatencyWindow is how many detector latencies Status keeps.
	LatencyWindow int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Tracker:        tracks.DefaultTrackerConfig(),
		Viewport:       vision.Viewport{Width: 390, Height: 844},
		Camera:         vision.CameraBack,
		OverlayVisible: true,
		DetectTimeout:  750 * time.Millisecond,
		StatusBuffer:   1,
		LatencyWindow:  120,
	}
}

// ConfigFromTuning builds a Config from a validated TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	pos, err := vision.ParseCameraPosition(cfg.GetCameraPosition())
	if err != nil {
		return Config{}, err
	}
	return Config{
		Tracker: tracks.TrackerConfigFromTuning(cfg),
		Mapper: screenmap.Mapper{
			CompensateCrop: cfg.GetAspectFill(),
			Source: screenmap.Source{
				Width:  cfg.GetSourceWidth(),
				Height: cfg.GetSourceHeight(),
			},
		},
		Viewport:       vision.Viewport{Width: cfg.GetViewportWidth(), Height: cfg.GetViewportHeight()},
		Camera:         pos,
		OverlayVisible: cfg.GetOverlayVisible(),
		DetectTimeout:  cfg.GetDetectTimeout(),
		StatusBuffer:   cfg.GetStatusBuffer(),
		LatencyWindow:  cfg.GetLatencyWindow(),
	}, nil
}

// Dependencies are the external collaborators. Detector, Cameras and Surface
// are required.
type Dependencies struct {
	Vocabulary *vocab.Vocabulary // defaults to the embedded COCO list
	Detector   Detector
	Cameras    CameraOpener
	Speech     voice.Engine // nil reports a speech error on ToggleRecording
	Surface    Surface
	Recorder   Recorder // optional
	Clock      timeutil.Clock
}

// epoch ties in-flight work to a generation. A hard reset replaces the epoch
// and cancels the previous one's context.
type epoch struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type detectResult struct {
	gen     uint64
	frame   vision.Frame
	result  vision.DetectorResult
	latency time.Duration
}

type transcriptEvent struct {
	session    uint64
	transcript voice.Transcript
	// ended is set when the engine closed the session on its own.
	ended bool
}

type speechSession struct {
	id     uint64
	cancel context.CancelFunc
}

// Controller is the pipeline controller.
type Controller struct {
	cfg      Config
	detector Detector
	cameras  CameraOpener
	speech   voice.Engine
	surface  Surface
	recorder Recorder
	clock    timeutil.Clock

	commands    chan Command
	results     *slot[detectResult]
	transcripts *slot[transcriptEvent]
	epoch       atomic.Pointer[epoch]
	// inflight is the epoch whose detector call holds the slot, nil when free.
	inflight    atomic.Pointer[epoch]

	submitted atomic.Uint64
	dropped   atomic.Uint64

	status   atomic.Pointer[Status]
	statusCh chan Status

	// Lifecycle
	lifecycleMu sync.Mutex
	running     atomic.Bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sessions    sync.WaitGroup

	// Presentation state. Owned by the presentation goroutine while running,
	// and by Start/Stop otherwise.
	tracker         *tracks.Tracker
	filter          *voice.Filter
	mapper          screenmap.Mapper
	gen             uint64
	camera          vision.CameraPosition
	source          FrameSource
	cameraAvailable bool
	cameraErr       string
	recording       bool
	speechActive    bool
	speechErr       string
	session         *speechSession
	sessionSeq      uint64
	transcript      string
	visible         bool
	viewport        vision.Viewport
	hidden          []string
	entries         []tracks.RenderEntry
	items           []vision.OverlayItem
	stats           Stats
	latency         *latencyRing
}

// New creates a stopped controller.
func New(cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if deps.Cameras == nil {
		return nil, errors.New("pipeline: camera opener is required")
	}
	if deps.Surface == nil {
		return nil, errors.New("pipeline: surface is required")
	}
	if deps.Vocabulary == nil {
		deps.Vocabulary = vocab.COCO()
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultConfig().DetectTimeout
	}
	if cfg.StatusBuffer < 1 {
		cfg.StatusBuffer = 1
	}
	if cfg.Camera == "" {
		cfg.Camera = vision.CameraBack
	}
	if cfg.Viewport.Empty() {
		cfg.Viewport = DefaultConfig().Viewport
	}

	c := &Controller{
		cfg:         cfg,
		detector:    deps.Detector,
		cameras:     deps.Cameras,
		speech:      deps.Speech,
		surface:     deps.Surface,
		recorder:    deps.Recorder,
		clock:       deps.Clock,
		commands:    make(chan Command, 16),
		results:     newSlot[detectResult](),
		transcripts: newSlot[transcriptEvent](),
		statusCh:    make(chan Status, cfg.StatusBuffer),
		tracker:     tracks.NewTracker(cfg.Tracker),
		filter:      voice.NewFilter(deps.Vocabulary),
		mapper:      cfg.Mapper,
		camera:      cfg.Camera,
		visible:     cfg.OverlayVisible,
		viewport:    cfg.Viewport,
		latency:     newLatencyRing(cfg.LatencyWindow),
	}
	c.publishStatus()
	return c, nil
}

// Start opens the configured camera and starts the presentation goroutine.
// A camera that fails to open is reported in Status and is not an error.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.invalidate()
	c.openCamera()
	c.render()
	c.publishStatus()

	c.wg.Add(1)
	go c.run(c.runCtx)

	diagf("started: camera=%s generation=%d", c.camera, c.gen)
	return nil
}

// Stop tears the pipeline down: the frame source and any speech session are
// stopped, every track is evicted and an empty overlay is rendered.
func (c *Controller) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}

	c.cancel()
	c.wg.Wait()

	c.closeSource()
	c.endSession()
	c.sessions.Wait()
	c.recording = false
	c.speechActive = false
	c.transcript = ""
	c.filter.Clear()
	c.gen++
	c.tracker.Reset()
	c.entries = nil
	c.render()

drain:
	for {
		select {
		case cmd := <-c.commands:
			diagf("discarding %s queued at shutdown", cmd.commandName())
		default:
			break drain
		}
	}

	c.publishStatus()
	diagf("stopped")
	return nil
}

// Submit queues a command for the presentation goroutine.
func (c *Controller) Submit(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	if !c.running.Load() {
		return ErrNotRunning
	}
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest published snapshot. The frame counters are read
// live, since frames are dropped without waking the presentation goroutine.
func (c *Controller) Status() Status {
	st := *c.status.Load()
	st.Stats.FramesSubmitted = c.submitted.Load()
	st.Stats.FramesDropped = c.dropped.Load()
	return st
}

// StatusUpdates delivers snapshots as they are published. When the reader
// falls behind, older snapshots are replaced by newer ones.
func (c *Controller) StatusUpdates() <-chan Status {
	return c.statusCh
}

// HandleFrame is the frame source callback. It returns once the detector call
// for frame has completed or failed, at most DetectTimeout later. A frame that
// arrives while another call is in flight is dropped without waiting.
func (c *Controller) HandleFrame(frame vision.Frame) {
	if !c.running.Load() {
		return
	}
	ep := c.epoch.Load()
	if !c.acquire(ep) {
		n := c.dropped.Add(1)
		tracef("frame %d dropped, detection in flight (dropped=%d)", frame.Seq, n)
		return
	}
	c.submitted.Add(1)
	c.detect(ep, frame)
}

// acquire takes the in-flight slot for ep. A slot still held by a previous
// epoch's abandoned call does not block the current one.
func (c *Controller) acquire(ep *epoch) bool {
	for {
		held := c.inflight.Load()
		if held != nil && held.ctx.Err() == nil {
			return false
		}
		if c.inflight.CompareAndSwap(held, ep) {
			return true
		}
	}
}

func (c *Controller) release(ep *epoch) {
	c.inflight.CompareAndSwap(ep, nil)
}

func (c *Controller) detect(ep *epoch, frame vision.Frame) {
	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(ep.ctx, c.cfg.DetectTimeout)
	defer cancel()

	// The call runs on its own goroutine so a detector that ignores ctx
	// cannot hold the delivery goroutine past the timeout.
	done := make(chan vision.DetectorResult, 1)
	go func() {
		done <- c.detector.Detect(ctx, frame)
	}()

	var res vision.DetectorResult
	select {
	case res = <-done:
		// Released once the result is posted, so results land in call order.
		defer c.release(ep)
		if res == nil {
			res = vision.DetectFailure{Kind: vision.FailureMalformed, Err: errors.New("nil detector result")}
		}
	case <-ctx.Done():
		kind := vision.FailureTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = vision.FailureCanceled
		}
		res = vision.DetectFailure{Kind: kind, Err: ctx.Err()}
		// The slot stays busy until the abandoned call returns or the
		// epoch is replaced.
		go func() {
			<-done
			c.release(ep)
		}()
	}

	if c.results.put(detectResult{gen: ep.gen, frame: frame, result: res, latency: c.clock.Since(start)}) {
		tracef("unread detector result overwritten by frame %d", frame.Seq)
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			c.apply(cmd)
		case <-c.results.notify():
			if r, ok := c.results.take(); ok {
				c.present(r)
			}
		case <-c.transcripts.notify():
			if ev, ok := c.transcripts.take(); ok {
				c.applyTranscript(ev)
			}
		}
		c.publishStatus()
	}
}

func (c *Controller) apply(cmd Command) {
	diagf("command %s", cmd.commandName())

	switch cmd := cmd.(type) {
	case ToggleRecording:
		if c.recording {
			c.stopRecording("recording stopped")
		} else {
			c.startRecording()
		}
	case SetCameraPosition:
		c.setCamera(cmd.Position)
	case SetOverlayVisible:
		if c.visible != cmd.Visible {
			c.visible = cmd.Visible
			c.surface.Render(c.overlay(c.items))
		}
	case SetExplicitHiddenLabels:
		c.hidden = normalizeLabels(cmd.Labels)
	case SetViewport:
		if cmd.Viewport.Empty() {
			opsf("ignoring empty viewport %vx%v", cmd.Viewport.Width, cmd.Viewport.Height)
			return
		}
		c.viewport = cmd.Viewport
		c.render()
	default:
		opsf("unknown command %T", cmd)
	}
}

func (c *Controller) present(r detectResult) {
	if r.gen != c.gen {
		c.stats.StaleResults++
		tracef("discarding frame %d from generation %d (current %d)", r.frame.Seq, r.gen, c.gen)
		return
	}

	c.latency.add(r.latency)
	rec := FrameRecord{
		At:         c.clock.Now(),
		Generation: r.gen,
		Seq:        r.frame.Seq,
		Latency:    r.latency,
	}

	switch res := r.result.(type) {
	case vision.Detections:
		c.entries = c.tracker.Update(r.frame.Seq, res, c.filter.Targets())
		c.stats.FramesRendered++
		c.render()
		rec.Detections = len(res)
		rec.Rendered = len(c.entries)
		tracef("frame %d: %d detections, %d rendered, %d tracks", r.frame.Seq, len(res), len(c.entries), c.tracker.Len())
	case vision.DetectFailure:
		// The previous overlay stays until a batch succeeds.
		c.stats.DetectFailures++
		rec.Failure = string(res.Kind)
		opsf("frame %d: %v", r.frame.Seq, res)
	default:
		c.stats.DetectFailures++
		rec.Failure = string(vision.FailureMalformed)
		opsf("frame %d: unexpected detector result %T", r.frame.Seq, res)
	}

	rec.Tracks = c.tracker.Len()
	if c.recorder != nil {
		c.recorder.RecordFrame(rec)
	}
}

func (c *Controller) applyTranscript(ev transcriptEvent) {
	if c.session == nil || ev.session != c.session.id {
		tracef("ignoring transcript from closed session %d", ev.session)
		return
	}
	if ev.ended {
		c.stopRecording("speech session ended")
		return
	}

	t := ev.transcript
	targets, reset := c.filter.Update(t)
	c.stats.Transcripts++
	c.transcript = strings.TrimSpace(t.Text)

	if t.Err != nil {
		opsf("speech engine failed: %v", t.Err)
		c.speechErr = t.Err.Error()
		c.speechActive = false
		c.transcript = ""
		c.endSession()
	}
	if reset {
		c.tracker.Reset()
		c.entries = nil
		c.render()
	}

	diagf("targets now %v", targets.Sorted())
	if c.recorder != nil {
		c.recorder.RecordTranscript(TranscriptRecord{
			At:      c.clock.Now(),
			Text:    t.Text,
			Targets: targets.Sorted(),
			Cleared: reset,
		})
	}
}

func (c *Controller) startRecording() {
	c.recording = true
	c.speechErr = ""
	if c.speech == nil {
		c.speechActive = false
		c.speechErr = "no speech engine configured"
		opsf("recording requested without a speech engine")
		return
	}

	c.sessionSeq++
	ctx, cancel := context.WithCancel(c.runCtx)
	ch, err := c.speech.Start(ctx)
	if err != nil {
		cancel()
		c.speechActive = false
		c.speechErr = err.Error()
		opsf("speech engine failed to start: %v", err)
		return
	}

	c.session = &speechSession{id: c.sessionSeq, cancel: cancel}
	c.speechActive = true
	c.sessions.Add(1)
	go c.forwardTranscripts(ctx, c.sessionSeq, ch)
	diagf("recording started (session %d)", c.sessionSeq)
}

func (c *Controller) forwardTranscripts(ctx context.Context, id uint64, ch <-chan voice.Transcript) {
	defer c.sessions.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				c.transcripts.put(transcriptEvent{session: id, ended: true})
				return
			}
			c.transcripts.put(transcriptEvent{session: id, transcript: t})
			if t.Err != nil {
				return
			}
		}
	}
}

func (c *Controller) stopRecording(reason string) {
	c.endSession()
	c.recording = false
	c.speechActive = false
	c.transcript = ""
	c.filter.Clear()
	c.hardReset(reason)
}

func (c *Controller) endSession() {
	if c.session == nil {
		return
	}
	c.session.cancel()
	c.session = nil
	if err := c.speech.Stop(); err != nil {
		opsf("speech engine stop: %v", err)
	}
}

func (c *Controller) setCamera(pos vision.CameraPosition) {
	if pos == c.camera && c.cameraAvailable {
		return
	}
	// Cancel the in-flight call first: the old source's delivery goroutine
	// may be waiting on it, and Stop waits for that goroutine.
	c.invalidate()
	c.closeSource()
	c.camera = pos
	c.clearTracking(fmt.Sprintf("camera %s", pos))
	c.openCamera()
}

// hardReset invalidates in-flight work, evicts every track and clears the
// overlay.
func (c *Controller) hardReset(reason string) {
	c.invalidate()
	c.clearTracking(reason)
}

// invalidate starts a new generation. Results from older generations are
// discarded when they reach the presentation goroutine.
func (c *Controller) invalidate() {
	c.gen++
	c.rotateEpoch()
}

func (c *Controller) clearTracking(reason string) {
	c.tracker.Reset()
	c.entries = nil
	c.stats.Resets++
	c.render()

	diagf("reset (%s): generation=%d", reason, c.gen)
	if c.recorder != nil {
		c.recorder.RecordReset(ResetRecord{
			At:         c.clock.Now(),
			Generation: c.gen,
			Reason:     reason,
			Camera:     c.camera,
		})
	}
}

func (c *Controller) rotateEpoch() {
	ctx, cancel := context.WithCancel(c.runCtx)
	old := c.epoch.Swap(&epoch{gen: c.gen, ctx: ctx, cancel: cancel})
	if old != nil {
		old.cancel()
	}
}

func (c *Controller) openCamera() {
	src, err := c.cameras.Open(c.camera)
	if err == nil {
		if err = src.Start(c.HandleFrame); err != nil {
			_ = src.Stop()
		}
	}
	if err != nil {
		c.source = nil
		c.cameraAvailable = false
		c.cameraErr = err.Error()
		opsf("camera %s unavailable: %v", c.camera, err)
		return
	}
	c.source = src
	c.cameraAvailable = true
	c.cameraErr = ""
}

func (c *Controller) closeSource() {
	if c.source == nil {
		return
	}
	if err := c.source.Stop(); err != nil {
		opsf("camera %s stop: %v", c.camera, err)
	}
	c.source = nil
}

func (c *Controller) render() {
	items := make([]vision.OverlayItem, 0, len(c.entries))
	for _, e := range c.entries {
		items = append(items, vision.OverlayItem{
			Rect:       c.mapper.Map(e.Detection.Box, c.viewport),
			Label:      e.Detection.NormalizedLabel(),
			Confidence: e.Detection.Confidence,
			TrackID:    e.TrackID,
		})
	}
	c.items = items
	c.surface.Render(c.overlay(items))
}

func (c *Controller) overlay(items []vision.OverlayItem) vision.Overlay {
	return vision.Overlay{
		Generation: c.gen,
		Visible:    c.visible,
		Viewport:   c.viewport,
		Items:      items,
	}
}

func (c *Controller) publishStatus() {
	st := Status{
		Running:         c.running.Load(),
		Generation:      c.gen,
		Camera:          c.camera,
		CameraAvailable: c.cameraAvailable,
		CameraError:     c.cameraErr,
		Recording:       c.recording,
		SpeechActive:    c.speechActive,
		SpeechError:     c.speechErr,
		Transcript:      c.transcript,
		Targets:         c.filter.Targets().Sorted(),
		HiddenLabels:    append([]string(nil), c.hidden...),
		OverlayVisible:  c.visible,
		Viewport:        c.viewport,
		Overlay:         c.items,
		Tracks:          c.tracker.Tracks(),
		Tracker:         c.tracker.Metrics(),
		Stats:           c.stats,
		LatencyMS:       c.latency.values(),
		UpdatedAt:       c.clock.Now(),
	}
	st.Stats.FramesSubmitted = c.submitted.Load()
	st.Stats.FramesDropped = c.dropped.Load()

	c.status.Store(&st)
	select {
	case c.statusCh <- st:
	default:
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- st:
		default:
		}
	}
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
