package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/voicelens/internal/timeutil"
	"github.com/banshee-data/voicelens/internal/vision/voice"
)

// ErrTranscriptsExhausted is returned by Start once the transcript stream
// has been read to the end.
var ErrTranscriptsExhausted = errors.New("transcript stream exhausted")

// ErrEngineClosed is returned by Start after Close.
var ErrEngineClosed = errors.New("speech engine closed")

// SpeechEngine turns lines of text into final transcripts. A blank line is
// the absent transcript. The reader is shared by every session: a line read
// while no session is running waits for the next one.
type SpeechEngine struct {
	r     io.Reader
	pace  time.Duration
	clock timeutil.Clock

	startOnce sync.Once
	lines     chan voice.Transcript
	eof       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	cancel   context.CancelFunc
	sessions uint64
	wg       sync.WaitGroup
}

// NewSpeechEngine reads transcripts from r. With pace > 0 each session waits
// one pace interval before forwarding each line.
func NewSpeechEngine(r io.Reader, pace time.Duration, clock timeutil.Clock) *SpeechEngine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SpeechEngine{
		r:     r,
		pace:  pace,
		clock: clock,
		lines:  make(chan voice.Transcript),
		eof:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (e *SpeechEngine) scan() {
	defer close(e.lines)
	defer close(e.eof)

	scanner := bufio.NewScanner(e.r)
	for scanner.Scan() {
		t := voice.Transcript{Cleared: true}
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			t = voice.Transcript{Text: text, Final: true}
		}
		if !e.send(t) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		e.send(voice.Transcript{Err: fmt.Errorf("transcript stream: %w", err)})
		return
	}
	diagf("transcript stream reached EOF")
}

// send hands t to the next session. It gives up once the engine is closed.
func (e *SpeechEngine) send(t voice.Transcript) bool {
	select {
	case e.lines <- t:
		return true
	case <-e.closed:
		diagf("engine closed, discarding pending transcript")
		return false
	}
}

// Start begins a session. The returned channel is closed when ctx is
// cancelled, Stop is called or the stream ends.
func (e *SpeechEngine) Start(ctx context.Context) (<-chan voice.Transcript, error) {
	select {
	case <-e.closed:
		return nil, ErrEngineClosed
	default:
	}
	e.startOnce.Do(func() { go e.scan() })

	select {
	case <-e.eof:
		return nil, ErrTranscriptsExhausted
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil, errors.New("speech session already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	out := make(chan voice.Transcript, 1)

	e.sessions++
	id := e.sessions
	e.wg.Add(1)
	go e.session(ctx, id, out)
	return out, nil
}

func (e *SpeechEngine) session(ctx context.Context, id uint64, out chan<- voice.Transcript) {
	defer e.wg.Done()
	defer close(out)
	defer e.release(id)

	var tick <-chan time.Time
	if e.pace > 0 {
		ticker := e.clock.NewTicker(e.pace)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}

		select {
		case <-ctx.Done():
			return
		case t, ok := <-e.lines:
			if !ok {
				return
			}
			tracef("transcript %+v", t)
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
			if t.Err != nil {
				return
			}
		}
	}
}

// release lets a session that ended on its own be followed by a new Start.
func (e *SpeechEngine) release(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions == id && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Stop ends the running session, if any, and waits for it to exit.
func (e *SpeechEngine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

// Close ends any session and releases the reader goroutine. A goroutine
// blocked in Read exits once the reader returns; closing the reader is left
// to its owner.
func (e *SpeechEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return e.Stop()
}
