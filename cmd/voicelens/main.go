package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/voicelens/internal/config"
	"github.com/banshee-data/voicelens/internal/monitoring"
	"github.com/banshee-data/voicelens/internal/version"
	"github.com/banshee-data/voicelens/internal/vision"
	"github.com/banshee-data/voicelens/internal/vision/monitor"
	"github.com/banshee-data/voicelens/internal/vision/overlay"
	"github.com/banshee-data/voicelens/internal/vision/pipeline"
	"github.com/banshee-data/voicelens/internal/vision/recorder"
	"github.com/banshee-data/voicelens/internal/vision/replay"
	"github.com/banshee-data/voicelens/internal/vision/tracks"
	"github.com/banshee-data/voicelens/internal/vision/vocab"
)

var (
	configFile     = flag.String("config", "", "Path to a JSON tuning file (defaults apply when empty)")
	listen         = flag.String("listen", ":8080", "HTTP listen address for the monitor")
	grpcListen     = flag.String("grpc-listen", "localhost:50061", "gRPC listen address for the overlay stream (empty disables)")
	framesBack     = flag.String("frames-back", "", "JSON-lines frame fixture for the back camera")
	framesFront    = flag.String("frames-front", "", "JSON-lines frame fixture for the front camera")
	fps            = flag.Float64("fps", 15, "Frame rate of the replayed cameras")
	loop           = flag.Bool("loop", true, "Loop frame fixtures")
	detectLatency  = flag.Duration("detect-latency", 0, "Simulated detector latency")
	transcripts    = flag.String("transcripts", "", "Transcript lines for the speech engine; - reads stdin")
	transcriptPace = flag.Duration("transcript-pace", 0, "Delay before each transcript line")
	vocabFile      = flag.String("vocab", "", "JSON vocabulary replacing the embedded COCO labels")
	recordPath     = flag.String("record", "", "sqlite file to record the session log to")
	debugLog       = flag.Bool("debug", false, "Enable the diag log stream")
	traceLog       = flag.Bool("trace", false, "Enable the trace log stream (implies -debug)")
	showVersion    = flag.Bool("version", false, "Print version and exit")
	remote         = flag.String("remote", "", "Send -send to the monitor at this base URL instead of running")
	send           = flag.String("send", "", `JSON command for -remote, e.g. {"type":"toggle_recording"}`)
)

// options is the parsed command line.
type options struct {
	ConfigFile     string
	Listen         string
	GRPCListen     string
	FramesBack     string
	FramesFront    string
	FPS            float64
	Loop           bool
	DetectLatency  time.Duration
	Transcripts    string
	TranscriptPace time.Duration
	VocabFile      string
	RecordPath     string
	Stdin          io.Reader

	// ready, when set, receives the bound addresses once serving.
	ready func(httpAddr, grpcAddr net.Addr)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	monitoring.NewStreams(os.Stderr, *debugLog, *traceLog).Apply(
		pipeline.SetLogWriters,
		tracks.SetLogWriters,
		overlay.SetLogWriters,
		recorder.SetLogWriters,
		replay.SetLogWriters,
		monitor.SetLogWriters,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *remote != "" {
		if err := sendCommand(ctx, *remote, *send); err != nil {
			log.Fatalf("send: %v", err)
		}
		return
	}

	opts := options{
		ConfigFile:     *configFile,
		Listen:         *listen,
		GRPCListen:     *grpcListen,
		FramesBack:     *framesBack,
		FramesFront:    *framesFront,
		FPS:            *fps,
		Loop:           *loop,
		DetectLatency:  *detectLatency,
		Transcripts:    *transcripts,
		TranscriptPace: *transcriptPace,
		VocabFile:      *vocabFile,
		RecordPath:     *recordPath,
		Stdin:          os.Stdin,
	}
	if err := run(ctx, opts); err != nil {
		log.Fatalf("voicelens: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func sendCommand(ctx context.Context, baseURL, body string) error {
	if body == "" {
		return errors.New("-send is required with -remote")
	}
	cmd, err := pipeline.DecodeCommand([]byte(body))
	if err != nil {
		return err
	}
	return monitor.NewClient(nil, baseURL).Send(ctx, cmd)
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("loaded tuning from %s", path)
	return cfg, nil
}

func loadCameras(opts options) (*replay.Cameras, error) {
	cams := &replay.Cameras{
		Fixtures: make(map[vision.CameraPosition]*replay.Fixture),
		FPS:      opts.FPS,
		Loop:     opts.Loop,
	}
	for pos, path := range map[vision.CameraPosition]string{
		vision.CameraBack:  opts.FramesBack,
		vision.CameraFront: opts.FramesFront,
	} {
		if path == "" {
			continue
		}
		fix, err := replay.LoadFixture(path)
		if err != nil {
			return nil, fmt.Errorf("%s camera: %w", pos, err)
		}
		cams.Fixtures[pos] = fix
		monitoring.Logf("%s camera replays %d frames from %s", pos, len(fix.Frames), path)
	}
	return cams, nil
}

// openTranscripts returns the speech engine's input, or nil when no
// transcript source was given.
func openTranscripts(opts options) (io.Reader, func() error, error) {
	switch opts.Transcripts {
	case "":
		return nil, func() error { return nil }, nil
	case "-":
		return opts.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(opts.Transcripts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open transcripts: %w", err)
	}
	return f, f.Close, nil
}

func run(ctx context.Context, opts options) error {
	tuning, err := loadTuning(opts.ConfigFile)
	if err != nil {
		return err
	}
	cfg, err := pipeline.ConfigFromTuning(tuning)
	if err != nil {
		return err
	}

	vocabulary := vocab.COCO()
	if opts.VocabFile != "" {
		if vocabulary, err = vocab.Load(opts.VocabFile); err != nil {
			return err
		}
	}

	cams, err := loadCameras(opts)
	if err != nil {
		return err
	}

	transcriptSrc, closeTranscripts, err := openTranscripts(opts)
	if err != nil {
		return err
	}
	defer closeTranscripts()

	publisher := overlay.NewPublisher(overlay.DefaultConfig())

	deps := pipeline.Dependencies{
		Vocabulary: vocabulary,
		Detector:   &replay.Detector{Latency: opts.DetectLatency},
		Cameras:    cams,
		Surface:    publisher,
	}
	if transcriptSrc != nil {
		speech := replay.NewSpeechEngine(transcriptSrc, opts.TranscriptPace, nil)
		defer speech.Close()
		deps.Speech = speech
	}

	var admin []monitor.AdminRoutes
	if opts.RecordPath != "" {
		rec, err := recorder.Open(opts.RecordPath, tuning.GetRecorderQueue())
		if err != nil {
			return err
		}
		defer rec.Close()
		deps.Recorder = rec
		admin = append(admin, rec)
	}

	controller, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}

	ws, err := monitor.NewWebServer(monitor.WebServerConfig{
		Pipeline: controller,
		Overlay:  publisher,
		Admin:    admin,
	})
	if err != nil {
		return err
	}

	httpLn, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}
	var grpcLn net.Listener
	if opts.GRPCListen != "" {
		if grpcLn, err = net.Listen("tcp", opts.GRPCListen); err != nil {
			httpLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", opts.GRPCListen, err)
		}
	}

	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer controller.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.Serve(gctx, httpLn)
	})

	var grpcAddr net.Addr
	if grpcLn != nil {
		grpcAddr = grpcLn.Addr()
		gs := grpc.NewServer()
		overlay.NewServer(publisher).Register(gs)

		g.Go(func() error {
			monitoring.Logf("overlay stream listening on %s", grpcLn.Addr())
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Streams end when their subscriptions close.
			publisher.Close()
			gs.GracefulStop()
			return nil
		})
	}

	monitoring.Logf("voicelens %s serving on %s", version.Version, httpLn.Addr())
	if opts.ready != nil {
		opts.ready(httpLn.Addr(), grpcAddr)
	}

	err = g.Wait()
	publisher.Close()
	return err
}
