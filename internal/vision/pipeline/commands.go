package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/banshee-data/voicelens/internal/vision"
)

// Command is a typed request from the UI to the controller. Commands are
// applied in order on the presentation goroutine.
type Command interface {
	commandName() string
}

// ToggleRecording starts a speech session when idle and stops it otherwise.
// Stopping clears the target set and every track.
type ToggleRecording struct{}

// SetCameraPosition switches cameras. Any change discards in-flight
// detection, evicts every track and clears the overlay.
type SetCameraPosition struct {
	Position vision.CameraPosition
}

// SetOverlayVisible shows or hides the overlay without touching tracking.
type SetOverlayVisible struct {
	Visible bool
}

// SetExplicitHiddenLabels records labels the UI asked to hide. The labels are
// kept and reported in Status; no filtering rule consumes them yet.
type SetExplicitHiddenLabels struct {
	Labels []string
}

// SetViewport updates the display surface size, e.g. on rotation.
type SetViewport struct {
	Viewport vision.Viewport
}

func (ToggleRecording) commandName() string         { return "toggle_recording" }
func (SetCameraPosition) commandName() string       { return "set_camera_position" }
func (SetOverlayVisible) commandName() string       { return "set_overlay_visible" }
func (SetExplicitHiddenLabels) commandName() string { return "set_hidden_labels" }
func (SetViewport) commandName() string             { return "set_viewport" }

// commandJSON is the wire form accepted by DecodeCommand.
type commandJSON struct {
	Type     string   `json:"type"`
	Position string   `json:"position,omitempty"`
	Visible  *bool    `json:"visible,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Width    float64  `json:"width,omitempty"`
	Height   float64  `json:"height,omitempty"`
}

// DecodeCommand parses a JSON command such as
// {"type":"set_camera_position","position":"front"}.
func DecodeCommand(data []byte) (Command, error) {
	var raw commandJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	switch strings.ToLower(raw.Type) {
	case "toggle_recording":
		return ToggleRecording{}, nil
	case "set_camera_position":
		pos, err := vision.ParseCameraPosition(raw.Position)
		if err != nil {
			return nil, err
		}
		return SetCameraPosition{Position: pos}, nil
	case "set_overlay_visible":
		if raw.Visible == nil {
			return nil, fmt.Errorf("set_overlay_visible requires visible")
		}
		return SetOverlayVisible{Visible: *raw.Visible}, nil
	case "set_hidden_labels":
		return SetExplicitHiddenLabels{Labels: raw.Labels}, nil
	case "set_viewport":
		vp := vision.Viewport{Width: raw.Width, Height: raw.Height}
		if vp.Empty() {
			return nil, fmt.Errorf("set_viewport requires positive width and height")
		}
		return SetViewport{Viewport: vp}, nil
	case "":
		return nil, fmt.Errorf("command type is required")
	}
	return nil, fmt.Errorf("unknown command type %q", raw.Type)
}

// EncodeCommand returns the JSON form of cmd understood by DecodeCommand.
func EncodeCommand(cmd Command) ([]byte, error) {
	raw := commandJSON{}
	switch c := cmd.(type) {
	case ToggleRecording:
	case SetCameraPosition:
		raw.Position = string(c.Position)
	case SetOverlayVisible:
		raw.Visible = &c.Visible
	case SetExplicitHiddenLabels:
		raw.Labels = c.Labels
	case SetViewport:
		raw.Width, raw.Height = c.Viewport.Width, c.Viewport.Height
	default:
		return nil, fmt.Errorf("cannot encode command %T", cmd)
	}
	raw.Type = cmd.commandName()
	return json.Marshal(raw)
}
