package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/voicelens/internal/timeutil"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/pipeline"
)

// FrameSource delivers a fixture's frames at a fixed rate. Each frame's
// Payload is the *FixtureFrame it came from, which is what Detector reads.
type FrameSource struct {
	fixture  *Fixture
	interval time.Duration
	clock    timeutil.Clock
	loop     bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	seq     uint64
}

// NewFrameSource creates a source emitting fps frames per second. When loop
// is false the source goes quiet after the last frame.
func NewFrameSource(fix *Fixture, fps float64, clock timeutil.Clock, loop bool) *FrameSource {
	if fps <= 0 {
		fps = 15
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FrameSource{
		fixture:  fix,
		interval: time.Duration(float64(time.Second) / fps),
		clock:    clock,
		loop:     loop,
	}
}

// Start begins delivery on a new goroutine.
func (s *FrameSource) Start(h pipeline.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("frame source already started")
	}
	if h == nil {
		return errors.New("nil frame handler")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go s.deliver(h, ticker, s.stopCh)
	return nil
}

func (s *FrameSource) deliver(h pipeline.FrameHandler, ticker timeutil.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C():
			if idx == len(s.fixture.Frames) {
				if !s.loop {
					return
				}
				idx = 0
			}
			f := &s.fixture.Frames[idx]
			idx++
			s.seq++
			h(vision.Frame{
				Seq:       s.seq,
				Timestamp: now,
				Width:     f.Width,
				Height:    f.Height,
				Payload:   f,
			})
		}
	}
}

// Stop halts delivery and waits for the delivery goroutine to exit.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// Cameras opens replay frame sources by camera position.
type Cameras struct {
	Fixtures map[vision.CameraPosition]*Fixture
	FPS      float64
	Clock    timeutil.Clock
	Loop     bool
}

// Open returns a new FrameSource for pos.
func (c *Cameras) Open(pos vision.CameraPosition) (pipeline.FrameSource, error) {
	fix, ok := c.Fixtures[pos]
	if !ok || fix == nil {
		return nil, fmt.Errorf("%s camera: %w", pos, vision.ErrCameraUnavailable)
	}
	return NewFrameSource(fix, c.FPS, c.Clock, c.Loop), nil
}
