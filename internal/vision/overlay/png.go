package overlay

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/voicelens/internal/vision"
)

var (
	trackedColor   = color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 0xff}
	untrackedColor = color.RGBA{R: 0xfd, G: 0xa0, B: 0x2b, A: 0xff}
)

// WritePNG draws the overlay rectangles on a canvas the size of the
// viewport. Screen Y grows downwards, so it is flipped back for the plot.
func WritePNG(w io.Writer, ov vision.Overlay, width, height vg.Length) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Overlay seq=%d gen=%d items=%d", ov.Seq, ov.Generation, len(ov.Items))
	if !ov.Visible {
		p.Title.Text += " (hidden)"
	}
	p.X.Label.Text = "x (pt)"
	p.Y.Label.Text = "screen height - y (pt)"
	p.X.Min, p.X.Max = 0, ov.Viewport.Width
	p.Y.Min, p.Y.Max = 0, ov.Viewport.Height

	if ov.Visible && len(ov.Items) > 0 {
		labelPts := make(plotter.XYs, 0, len(ov.Items))
		labelText := make([]string, 0, len(ov.Items))

		for _, it := range ov.Items {
			r := it.Rect
			top := ov.Viewport.Height - r.Y
			bottom := top - r.H
			pts := plotter.XYs{
				{X: r.X, Y: bottom},
				{X: r.X + r.W, Y: bottom},
				{X: r.X + r.W, Y: top},
				{X: r.X, Y: top},
				{X: r.X, Y: bottom},
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return fmt.Errorf("overlay item %q: %w", it.Label, err)
			}
			line.Width = vg.Points(2)
			line.Color = untrackedColor
			if it.TrackID != "" {
				line.Color = trackedColor
			}
			p.Add(line)

			labelPts = append(labelPts, plotter.XY{X: r.X, Y: top})
			labelText = append(labelText, fmt.Sprintf("%s %.0f%%", it.Label, it.Confidence*100))
		}

		labels, err := plotter.NewLabels(plotter.XYLabels{XYs: labelPts, Labels: labelText})
		if err != nil {
			return fmt.Errorf("overlay labels: %w", err)
		}
		p.Add(labels)
	}

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
