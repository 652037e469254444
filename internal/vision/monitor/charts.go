package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/voicelens/internal/httputil"
	"github.com/banshee-data/voicelens/internal/vision/overlay"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleCharts renders the sampled overlay counters and the detector
// latency window as echarts line charts.
func (ws *WebServer) handleCharts(w http.ResponseWriter, r *http.Request) {
	samples := ws.samples.Samples()

	xs := make([]string, len(samples))
	rendered := make([]opts.LineData, len(samples))
	tracked := make([]opts.LineData, len(samples))
	dropped := make([]opts.LineData, len(samples))
	for i, s := range samples {
		xs[i] = s.At.Format("15:04:05.000")
		rendered[i] = opts.LineData{Value: s.Rendered}
		tracked[i] = opts.LineData{Value: s.Tracks}
		dropped[i] = opts.LineData{Value: s.Dropped}
	}

	counts := charts.NewLine()
	counts.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "voicelens", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Overlay", Subtitle: fmt.Sprintf("samples=%d", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	counts.SetXAxis(xs).
		AddSeries("rendered", rendered).
		AddSeries("tracks", tracked).
		AddSeries("dropped frames", dropped)

	lat := ws.pipeline.Status().LatencyMS
	lxs := make([]int, len(lat))
	ldata := make([]opts.LineData, len(lat))
	for i, v := range lat {
		lxs[i] = i
		ldata[i] = opts.LineData{Value: v}
	}
	sum := SummarizeLatency(lat)

	latency := charts.NewLine()
	latency.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Detector latency (ms)", Subtitle: fmt.Sprintf("p50=%.1f p95=%.1f", sum.P50, sum.P95)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	latency.SetXAxis(lxs).AddSeries("latency", ldata)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(counts, latency)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleOverlayPNG draws the latest overlay.
func (ws *WebServer) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	ov, ok := ws.overlay.Latest()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no overlay rendered yet")
		return
	}

	aspect := 1.0
	if !ov.Viewport.Empty() {
		aspect = ov.Viewport.Height / ov.Viewport.Width
	}
	width := 4 * vg.Inch
	height := width * vg.Length(aspect)

	var buf bytes.Buffer
	if err := overlay.WritePNG(&buf, ov, width, height); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to draw overlay: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
