// Package overlay is the overlay surface: it keeps the latest rendered
// overlay, fans it out to subscribers and serves it over gRPC and as a PNG.
package overlay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/voicelens/internal/vision"
)

// ErrTooManyClients is returned by Subscribe when MaxClients are connected.
var ErrTooManyClients = errors.New("too many overlay subscribers")

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("overlay publisher closed")

// Config holds configuration for the publisher.
type Config struct {
	// MaxClients is the maximum number of concurrent subscribers.
	MaxClients int

	// ClientBuffer is each subscriber's channel capacity. A subscriber whose
	// buffer is full misses overlays until it catches up.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxClients:   5,
		ClientBuffer: 10,
	}
}

type subscriber struct {
	id string
	ch chan vision.Overlay
}

// Publisher implements the pipeline's Surface.
type Publisher struct {
	config Config

	mu        sync.RWMutex
	latest    vision.Overlay
	hasLatest bool
	clients   map[string]*subscriber
	closed    bool

	seq           atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.ClientBuffer < 1 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[string]*subscriber),
	}
}

// Render stores ov as the latest overlay and offers it to every subscriber
// without blocking.
func (p *Publisher) Render(ov vision.Overlay) {
	ov.Seq = p.seq.Add(1)
	ov.Items = append([]vision.OverlayItem(nil), ov.Items...)

	p.mu.Lock()
	p.latest = ov
	p.hasLatest = true
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.ch <- ov:
		default:
			dropped := p.droppedFrames.Add(1)
			tracef("subscriber %s slow, dropped overlay %d (total dropped: %d)", c.id, ov.Seq, dropped)
		}
	}
}

// Latest returns the most recent overlay.
func (p *Publisher) Latest() (vision.Overlay, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.hasLatest
}

// Subscribe registers a subscriber. The latest overlay, if any, is queued
// first so a new subscriber starts from the current picture.
func (p *Publisher) Subscribe() (string, <-chan vision.Overlay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", nil, ErrClosed
	}
	if len(p.clients) >= p.config.MaxClients {
		opsf("rejecting subscriber: %d/%d connected", len(p.clients), p.config.MaxClients)
		return "", nil, fmt.Errorf("%w (max %d)", ErrTooManyClients, p.config.MaxClients)
	}

	c := &subscriber{
		id: fmt.Sprintf("sub_%s", uuid.NewString()),
		ch: make(chan vision.Overlay, p.config.ClientBuffer),
	}
	if p.hasLatest {
		c.ch <- p.latest
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	diagf("subscriber connected: %s (total: %d)", c.id, n)
	return c.id, c.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[id]
	if !ok {
		return
	}
	delete(p.clients, id)
	close(c.ch)
	n := p.clientCount.Add(-1)
	diagf("subscriber disconnected: %s (remaining: %d)", id, n)
}

// Close disconnects every subscriber and rejects new ones.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, c := range p.clients {
		close(c.ch)
		delete(p.clients, id)
	}
	p.clientCount.Store(0)
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.seq.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
}
