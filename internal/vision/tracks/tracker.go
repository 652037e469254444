package tracks

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/voicelens/internal/config"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/voice"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackCreated  TrackState = "created"  // Created this frame, not yet re-observed
	TrackTracking TrackState = "tracking" // Rebound to a later observation
	TrackEvicted  TrackState = "evicted"  // Terminal
)

// TrackerConfig holds the capacity parameters of the track pool.
type TrackerConfig struct {
	MaxTracks  int // Maximum tracks kept at the end of a frame
	EvictBatch int // Oldest tracks removed per eviction pass when over capacity
}

// DefaultTrackerConfig returns the production capacity: five tracks,
// evicting the four oldest at once when exceeded.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxTracks: 5, EvictBatch: 4}
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		MaxTracks:  cfg.GetMaxTracks(),
		EvictBatch: cfg.GetEvictBatch(),
	}
}

// Track is a detection the user asked to see, kept across frames so the
// detector's tracking primitive can re-identify it.
type Track struct {
	ID             string               `json:"id"`
	Observation    vision.ObservationID `json:"observation,omitempty"`
	Label          string               `json:"label"`
	LastBox        vision.NormRect      `json:"last_box"`
	CreatedAtFrame uint64               `json:"created_at_frame"`
	LastSeenFrame  uint64               `json:"last_seen_frame"`
	Hits           int                  `json:"hits"`
	State          TrackState           `json:"state"`
}

// RenderEntry is one detection selected for display this frame.
type RenderEntry struct {
	Detection vision.Detection
	// TrackID is empty when the detection was shown without a track.
	TrackID string
}

// Tracked reports whether the entry is bound to a track.
func (e RenderEntry) Tracked() bool { return e.TrackID != "" }

// Metrics are running counters since the last ResetMetrics.
type Metrics struct {
	Frames          int `json:"frames"`
	TracksCreated   int `json:"tracks_created"`
	TracksEvicted   int `json:"tracks_evicted"`
	Rebinds         int `json:"rebinds"`
	UntrackedShown  int `json:"untracked_shown"`
	EvictionPasses  int `json:"eviction_passes"`
	IgnoredByFilter int `json:"ignored_by_filter"`
}

// Tracker owns the bounded pool of tracks. It is not safe for concurrent
// use; the pipeline's presentation goroutine is its only caller.
type Tracker struct {
	Config TrackerConfig

	// tracks is kept in creation order, oldest first.
	tracks        []*Track
	byObservation map[vision.ObservationID]*Track

	metrics Metrics
}

// NewTracker creates a tracker with the specified configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxTracks < 1 {
		cfg.MaxTracks = DefaultTrackerConfig().MaxTracks
	}
	if cfg.EvictBatch < 1 {
		cfg.EvictBatch = 1
	}
	return &Tracker{
		Config:        cfg,
		byObservation: make(map[vision.ObservationID]*Track),
	}
}

// Update processes one frame of detections against the active targets and
// returns, in detection order, every detection that should be drawn.
//
// Capacity only limits how many detections get a persistent track; every
// detection whose label is targeted is returned regardless.
func (t *Tracker) Update(frame uint64, detections []vision.Detection, targets voice.LabelSet) []RenderEntry {
	t.metrics.Frames++
	if targets.Len() == 0 {
		t.metrics.IgnoredByFilter += len(detections)
		return nil
	}

	// Capacity is checked against the count at frame start; several new
	// observations in one frame can overshoot it, evict fixes that below.
	startCount := len(t.tracks)
	entries := make([]RenderEntry, 0, len(detections))

	for _, det := range detections {
		label := det.NormalizedLabel()
		if !targets.Has(label) {
			t.metrics.IgnoredByFilter++
			continue
		}

		if track := t.lookup(det.Observation); track != nil {
			track.LastBox = det.Box
			track.LastSeenFrame = frame
			track.Hits++
			track.State = TrackTracking
			t.metrics.Rebinds++
			tracef("rebind %s label=%s frame=%d", track.ID, label, frame)
			entries = append(entries, RenderEntry{Detection: det, TrackID: track.ID})
			continue
		}

		if startCount < t.Config.MaxTracks {
			track := t.initTrack(frame, label, det)
			entries = append(entries, RenderEntry{Detection: det, TrackID: track.ID})
			continue
		}

		t.metrics.UntrackedShown++
		tracef("at capacity (%d), showing %s without track", startCount, label)
		entries = append(entries, RenderEntry{Detection: det})
	}

	if evicted := t.evict(); len(evicted) > 0 {
		// Tracks created this frame may already be gone.
		for i := range entries {
			if _, ok := evicted[entries[i].TrackID]; ok {
				entries[i].TrackID = ""
			}
		}
	}
	return entries
}

func (t *Tracker) lookup(obs vision.ObservationID) *Track {
	if obs == "" {
		return nil
	}
	return t.byObservation[obs]
}

// initTrack creates a new track. Track IDs are UUIDs so they never collide
// across resets.
func (t *Tracker) initTrack(frame uint64, label string, det vision.Detection) *Track {
	track := &Track{
		ID:             fmt.Sprintf("trk_%s", uuid.NewString()),
		Observation:    det.Observation,
		Label:          label,
		LastBox:        det.Box,
		CreatedAtFrame: frame,
		LastSeenFrame:  frame,
		Hits:           1,
		State:          TrackCreated,
	}
	t.tracks = append(t.tracks, track)
	if det.Observation != "" {
		t.byObservation[det.Observation] = track
	}
	t.metrics.TracksCreated++
	diagf("created %s label=%s frame=%d (pool %d/%d)", track.ID, label, frame, len(t.tracks), t.Config.MaxTracks)
	return track
}

// evict removes the EvictBatch oldest tracks at a time until the pool is
// back within MaxTracks, and returns the IDs it removed.
func (t *Tracker) evict() map[string]struct{} {
	var evicted map[string]struct{}
	for len(t.tracks) > t.Config.MaxTracks {
		n := t.Config.EvictBatch
		if n > len(t.tracks) {
			n = len(t.tracks)
		}
		if evicted == nil {
			evicted = make(map[string]struct{}, n)
		}
		for _, track := range t.tracks[:n] {
			evicted[track.ID] = struct{}{}
			t.drop(track)
		}
		t.tracks = append(t.tracks[:0:0], t.tracks[n:]...)
		t.metrics.EvictionPasses++
		diagf("evicted %d oldest tracks, %d remain", n, len(t.tracks))
	}
	return evicted
}

func (t *Tracker) drop(track *Track) {
	track.State = TrackEvicted
	if track.Observation != "" && t.byObservation[track.Observation] == track {
		delete(t.byObservation, track.Observation)
	}
	t.metrics.TracksEvicted++
}

// Reset evicts every track.
func (t *Tracker) Reset() {
	for _, track := range t.tracks {
		t.drop(track)
	}
	if len(t.tracks) > 0 {
		diagf("reset evicted %d tracks", len(t.tracks))
	}
	t.tracks = nil
	t.byObservation = make(map[vision.ObservationID]*Track)
}

// UpdateConfig replaces the capacity parameters. A smaller MaxTracks takes
// effect at the end of the next frame.
func (t *Tracker) UpdateConfig(cfg TrackerConfig) {
	if cfg.MaxTracks < 1 || cfg.EvictBatch < 1 {
		opsf("ignoring invalid tracker config max_tracks=%d evict_batch=%d", cfg.MaxTracks, cfg.EvictBatch)
		return
	}
	t.Config = cfg
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int { return len(t.tracks) }

// Tracks returns copies of the live tracks, oldest first.
func (t *Tracker) Tracks() []Track {
	out := make([]Track, len(t.tracks))
	for i, track := range t.tracks {
		out[i] = *track
	}
	return out
}

// Metrics returns the running counters.
func (t *Tracker) Metrics() Metrics { return t.metrics }

// ResetMetrics zeroes the running counters.
func (t *Tracker) ResetMetrics() { t.metrics = Metrics{} }
