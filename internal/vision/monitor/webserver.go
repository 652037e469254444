// Package monitor serves the pipeline's status, overlay and command API over
// HTTP, plus debug pages on the tsweb debug index.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/voicelens/internal/httputil"
	"github.com/banshee-data/voicelens/internal/version"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/overlay"
	"github.com/banshee-data/voicelens/internal/vision/pipeline"
)

// Pipeline is the part of *pipeline.Controller the monitor uses.
type Pipeline interface {
	Status() pipeline.Status
	StatusUpdates() <-chan pipeline.Status
	Submit(ctx context.Context, cmd pipeline.Command) error
}

// OverlaySource is the part of *overlay.Publisher the monitor uses.
type OverlaySource interface {
	Latest() (vision.Overlay, bool)
	Stats() overlay.PublisherStats
}

// AdminRoutes mounts extra debug handlers, e.g. the recorder's tailsql console.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux) error
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Pipeline Pipeline
	Overlay  OverlaySource
	Admin    []AdminRoutes

	// SampleWindow is the number of status samples kept for charts.
	SampleWindow int
	// CommandTimeout bounds how long POST /api/command waits for the
	// controller's command queue.
	CommandTimeout time.Duration
}

// WebServer handles the HTTP interface.
type WebServer struct {
	pipeline       Pipeline
	overlay        OverlaySource
	samples        *SampleRing
	commandTimeout time.Duration
	mux            *http.ServeMux
	server         *http.Server
}

// NewWebServer creates a web server and mounts its routes.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.Pipeline == nil || config.Overlay == nil {
		return nil, errors.New("monitor requires a pipeline and an overlay source")
	}
	if config.SampleWindow <= 0 {
		config.SampleWindow = 300
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 2 * time.Second
	}

	ws := &WebServer{
		pipeline:       config.Pipeline,
		overlay:        config.Overlay,
		samples:        NewSampleRing(config.SampleWindow),
		commandTimeout: config.CommandTimeout,
	}
	ws.mux = ws.setupRoutes()
	for _, a := range config.Admin {
		if err := a.AttachAdminRoutes(ws.mux); err != nil {
			return nil, fmt.Errorf("failed to attach admin routes: %w", err)
		}
	}
	ws.server = &http.Server{
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

// Samples returns the collected status samples, oldest first.
func (ws *WebServer) Samples() []Sample { return ws.samples.Samples() }

// Serve collects status samples and serves on ln until ctx is cancelled,
// then shuts the server down.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	sampleCtx, stopSamples := context.WithCancel(ctx)
	defer stopSamples()
	go ws.samples.Collect(sampleCtx, ws.pipeline.StatusUpdates())

	errCh := make(chan error, 1)
	go func() {
		diagf("serving HTTP on %s", ln.Addr())
		errCh <- ws.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	diagf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		opsf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			opsf("HTTP server force close error: %v", err)
		}
	}
	diagf("HTTP server stopped")
	return nil
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/overlay", ws.handleOverlay)
	mux.HandleFunc("/api/latency", ws.handleLatency)
	mux.HandleFunc("/api/samples", ws.handleSamples)
	mux.HandleFunc("/api/command", ws.handleCommand)
	mux.HandleFunc("/api/version", ws.handleVersion)

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Generation", func() any { return ws.pipeline.Status().Generation })
	debug.KVFunc("Targets", func() any { return ws.pipeline.Status().Targets })
	debug.KVFunc("Overlay subscribers", func() any { return ws.overlay.Stats().ClientCount })
	debug.Handle("charts", "Overlay and latency charts", http.HandlerFunc(ws.handleCharts))
	debug.Handle("overlay.png", "Latest overlay", http.HandlerFunc(ws.handleOverlayPNG))

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := ws.pipeline.Status()
	status := "ok"
	if !st.Running {
		status = "stopped"
	}
	httputil.WriteJSONOK(w, map[string]any{
		"status":           status,
		"camera_available": st.CameraAvailable,
		"speech_active":    st.SpeechActive,
	})
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.pipeline.Status())
}

// overlayResponse is the body of GET /api/overlay. Overlay is null until the
// first render.
type overlayResponse struct {
	Overlay   *vision.Overlay        `json:"overlay"`
	Publisher overlay.PublisherStats `json:"publisher"`
}

func (ws *WebServer) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := overlayResponse{Publisher: ws.overlay.Stats()}
	if ov, ok := ws.overlay.Latest(); ok {
		resp.Overlay = &ov
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, SummarizeLatency(ws.pipeline.Status().LatencyMS))
}

func (ws *WebServer) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.samples.Samples())
}

// handleCommand accepts one JSON command, e.g.
//
//	{"type":"set_camera_position","position":"front"}
func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := httputil.ReadBody(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cmd, err := pipeline.DecodeCommand(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ws.commandTimeout)
	defer cancel()
	if err := ws.pipeline.Submit(ctx, cmd); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		opsf("command %T not submitted: %v", cmd, err)
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	tracef("accepted command %T", cmd)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}
