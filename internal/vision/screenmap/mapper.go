// Package screenmap converts detector boxes (normalised, origin bottom-left)
// into display rectangles (points, origin top-left).
package screenmap

import (
	"math"

	"github.com/banshee-data/voicelens/internal/vision"
)

// Map stretches box over the whole viewport and flips the vertical axis.
//
// The mapping ignores how the camera preview is scaled. When the preview
// fills the viewport by cropping (aspect fill) and the camera aspect ratio
// differs from the viewport's, boxes are mis-registered against the visible
// image. Use AspectFill to compensate.
func Map(box vision.NormRect, vp vision.Viewport) vision.ScreenRect {
	return vision.ScreenRect{
		X: box.X * vp.Width,
		Y: vp.Height - (box.Y+box.H)*vp.Height,
		W: box.W * vp.Width,
		H: box.H * vp.Height,
	}
}

// Source is the native size of the camera frames the detector sees.
type Source struct {
	Width  float64
	Height float64
}

// AspectFill maps box onto a viewport showing the source scaled to cover it,
// centred and cropped on the overflowing axis.
func AspectFill(box vision.NormRect, vp vision.Viewport, src Source) vision.ScreenRect {
	if src.Width <= 0 || src.Height <= 0 {
		return Map(box, vp)
	}
	scale := math.Max(vp.Width/src.Width, vp.Height/src.Height)
	dispW := src.Width * scale
	dispH := src.Height * scale
	offX := (vp.Width - dispW) / 2
	offY := (vp.Height - dispH) / 2

	return vision.ScreenRect{
		X: box.X*dispW + offX,
		Y: (1-(box.Y+box.H))*dispH + offY,
		W: box.W * dispW,
		H: box.H * dispH,
	}
}

// Mapper selects between the plain and the crop-compensated mapping.
// The zero value uses Map.
type Mapper struct {
	CompensateCrop bool
	Source         Source
}

// Map converts box for the given viewport.
func (m Mapper) Map(box vision.NormRect, vp vision.Viewport) vision.ScreenRect {
	if m.CompensateCrop {
		return AspectFill(box, vp, m.Source)
	}
	return Map(box, vp)
}
