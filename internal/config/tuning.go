package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for the overlay pipeline. Every
// field is optional; the Get* accessors supply the defaults for fields the
// JSON file leaves out.
type TuningConfig struct {
	// Tracker params
	MaxTracks  *int `json:"max_tracks,omitempty"`
	EvictBatch *int `json:"evict_batch,omitempty"`

	// Detector params
	DetectTimeout *string `json:"detect_timeout,omitempty"` // duration string like "750ms"

	// Display params
	ViewportWidth  *float64 `json:"viewport_width,omitempty"`
	ViewportHeight *float64 `json:"viewport_height,omitempty"`
	CameraPosition *string  `json:"camera_position,omitempty"`
	OverlayVisible *bool    `json:"overlay_visible,omitempty"`

	// Aspect-fill crop compensation (off keeps the uncompensated mapping)
	AspectFill   *bool    `json:"aspect_fill,omitempty"`
	SourceWidth  *float64 `json:"source_width,omitempty"`
	SourceHeight *float64 `json:"source_height,omitempty"`

	// Buffers
	StatusBuffer  *int `json:"status_buffer,omitempty"`
	RecorderQueue *int `json:"recorder_queue,omitempty"`
	LatencyWindow *int `json:"latency_window,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file fall back to defaults through the Get* accessors.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/vision/*
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MaxTracks != nil && *c.MaxTracks < 1 {
		return fmt.Errorf("max_tracks must be at least 1, got %d", *c.MaxTracks)
	}
	if c.EvictBatch != nil && *c.EvictBatch < 1 {
		return fmt.Errorf("evict_batch must be at least 1, got %d", *c.EvictBatch)
	}

	if c.DetectTimeout != nil && *c.DetectTimeout != "" {
		d, err := time.ParseDuration(*c.DetectTimeout)
		if err != nil {
			return fmt.Errorf("invalid detect_timeout '%s': %w", *c.DetectTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("detect_timeout must be positive, got %s", d)
		}
	}

	if c.ViewportWidth != nil && *c.ViewportWidth <= 0 {
		return fmt.Errorf("viewport_width must be positive, got %f", *c.ViewportWidth)
	}
	if c.ViewportHeight != nil && *c.ViewportHeight <= 0 {
		return fmt.Errorf("viewport_height must be positive, got %f", *c.ViewportHeight)
	}

	if c.CameraPosition != nil {
		switch strings.ToLower(*c.CameraPosition) {
		case "front", "back":
		default:
			return fmt.Errorf("camera_position must be front or back, got %q", *c.CameraPosition)
		}
	}

	if c.GetAspectFill() && (c.GetSourceWidth() <= 0 || c.GetSourceHeight() <= 0) {
		return fmt.Errorf("aspect_fill requires positive source_width and source_height")
	}

	if c.StatusBuffer != nil && *c.StatusBuffer < 1 {
		return fmt.Errorf("status_buffer must be at least 1, got %d", *c.StatusBuffer)
	}
	if c.RecorderQueue != nil && *c.RecorderQueue < 1 {
		return fmt.Errorf("recorder_queue must be at least 1, got %d", *c.RecorderQueue)
	}
	if c.LatencyWindow != nil && *c.LatencyWindow < 1 {
		return fmt.Errorf("latency_window must be at least 1, got %d", *c.LatencyWindow)
	}

	return nil
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 5
	}
	return *c.MaxTracks
}

// GetEvictBatch returns the evict_batch value or the default.
func (c *TuningConfig) GetEvictBatch() int {
	if c.EvictBatch == nil {
		return 4
	}
	return *c.EvictBatch
}

// GetDetectTimeout parses and returns the DetectTimeout as a time.Duration.
func (c *TuningConfig) GetDetectTimeout() time.Duration {
	if c.DetectTimeout == nil || *c.DetectTimeout == "" {
		return 750 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.DetectTimeout)
	if err != nil {
		return 750 * time.Millisecond // default on parse error
	}
	return d
}

// GetViewportWidth returns the viewport_width value or the default.
func (c *TuningConfig) GetViewportWidth() float64 {
	if c.ViewportWidth == nil {
		return 390
	}
	return *c.ViewportWidth
}

// GetViewportHeight returns the viewport_height value or the default.
func (c *TuningConfig) GetViewportHeight() float64 {
	if c.ViewportHeight == nil {
		return 844
	}
	return *c.ViewportHeight
}

// GetCameraPosition returns the camera_position value or the default.
func (c *TuningConfig) GetCameraPosition() string {
	if c.CameraPosition == nil || *c.CameraPosition == "" {
		return "back"
	}
	return strings.ToLower(*c.CameraPosition)
}

// GetOverlayVisible returns the overlay_visible value or the default.
func (c *TuningConfig) GetOverlayVisible() bool {
	if c.OverlayVisible == nil {
		return true
	}
	return *c.OverlayVisible
}

// GetAspectFill returns the aspect_fill value or the default.
func (c *TuningConfig) GetAspectFill() bool {
	if c.AspectFill == nil {
		return false // default: uncompensated mapping
	}
	return *c.AspectFill
}

// GetSourceWidth returns the source_width value or the default.
func (c *TuningConfig) GetSourceWidth() float64 {
	if c.SourceWidth == nil {
		return 0
	}
	return *c.SourceWidth
}

// GetSourceHeight returns the source_height value or the default.
func (c *TuningConfig) GetSourceHeight() float64 {
	if c.SourceHeight == nil {
		return 0
	}
	return *c.SourceHeight
}

// GetStatusBuffer returns the status_buffer value or the default.
func (c *TuningConfig) GetStatusBuffer() int {
	if c.StatusBuffer == nil {
		return 1
	}
	return *c.StatusBuffer
}

// GetRecorderQueue returns the recorder_queue value or the default.
func (c *TuningConfig) GetRecorderQueue() int {
	if c.RecorderQueue == nil {
		return 256
	}
	return *c.RecorderQueue
}

// GetLatencyWindow returns the latency_window value or the default.
func (c *TuningConfig) GetLatencyWindow() int {
	if c.LatencyWindow == nil {
		return 120
	}
	return *c.LatencyWindow
}
