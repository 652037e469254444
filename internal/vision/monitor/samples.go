package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/voicelens/internal/vision/pipeline"
)

// Sample is one status snapshot reduced to the counters charted on the
// debug page.
type Sample struct {
	At         time.Time `json:"at"`
	Generation uint64    `json:"generation"`
	Rendered   int       `json:"rendered"`
	Tracks     int       `json:"tracks"`
	Dropped    uint64    `json:"dropped"`
	Failures   uint64    `json:"failures"`
}

func sampleOf(st pipeline.Status) Sample {
	return Sample{
		At:         st.UpdatedAt,
		Generation: st.Generation,
		Rendered:   len(st.Overlay),
		Tracks:     len(st.Tracks),
		Dropped:    st.Stats.FramesDropped,
		Failures:   st.Stats.DetectFailures,
	}
}

// SampleRing keeps the most recent status samples.
type SampleRing struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

// NewSampleRing creates a ring holding n samples.
func NewSampleRing(n int) *SampleRing {
	if n < 1 {
		n = 1
	}
	return &SampleRing{buf: make([]Sample, n)}
}

// Add appends s, overwriting the oldest sample when full.
func (r *SampleRing) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Samples returns the samples oldest first.
func (r *SampleRing) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Sample(nil), r.buf[:r.next]...)
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Collect adds a sample for every status update until ctx is done.
func (r *SampleRing) Collect(ctx context.Context, updates <-chan pipeline.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			r.Add(sampleOf(st))
		}
	}
}

// LatencySummary describes recent detector latencies in milliseconds.
type LatencySummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
	Min    float64 `json:"min_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	Max    float64 `json:"max_ms"`
}

// SummarizeLatency computes a LatencySummary. StdDev is zero for fewer than
// two samples.
func SummarizeLatency(ms []float64) LatencySummary {
	if len(ms) == 0 {
		return LatencySummary{}
	}
	sorted := append([]float64(nil), ms...)
	sort.Float64s(sorted)

	s := LatencySummary{
		Count: len(sorted),
		Mean:  stat.Mean(sorted, nil),
		Min:   sorted[0],
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:   sorted[len(sorted)-1],
	}
	if len(sorted) > 1 {
		s.StdDev = stat.StdDev(sorted, nil)
	}
	return s
}
