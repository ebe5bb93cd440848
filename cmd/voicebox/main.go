// voicebox - audio output orchestrator for a voice device.
// Plays local prompt tones, streamed URL audio and conversational replies
// through one speaker, and exposes a control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voicebox/internal/config"
	"github.com/teslashibe/go-voicebox/internal/httpc"
	vlog "github.com/teslashibe/go-voicebox/internal/log"
	"github.com/teslashibe/go-voicebox/pkg/audioio"
	_ "github.com/teslashibe/go-voicebox/pkg/audioio/speaker"
	"github.com/teslashibe/go-voicebox/pkg/device"
	"github.com/teslashibe/go-voicebox/pkg/netfeed"
	"github.com/teslashibe/go-voicebox/pkg/orchestrator"
	"github.com/teslashibe/go-voicebox/pkg/pipeline"
	"github.com/teslashibe/go-voicebox/pkg/recorder"
	"github.com/teslashibe/go-voicebox/pkg/stages/opuscodec"
	"github.com/teslashibe/go-voicebox/pkg/visual"
	"github.com/teslashibe/go-voicebox/pkg/web"
)

// exitRestart asks the service manager to restart the device process.
const exitRestart = 3

type flags struct {
	configPath string
	mode       string
	port       int
	debug      bool
	mockAudio  bool
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(&cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	vlog.Init(cfg.LogLevel)
	logger := vlog.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	cancel()
	os.Exit(code)
}

// parseFlags parses command line flags.
func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", os.Getenv("VOICEBOX_CONFIG"), "Path to the YAML configuration file")
	flag.StringVar(&f.mode, "mode", "", "Recorder mode: server_vad, button, button_wakeup, server_vad_wakeup")
	flag.IntVar(&f.port, "port", 0, "Control API port (overrides the config file)")
	flag.BoolVar(&f.debug, "debug", false, "Enable verbose debug logging")
	flag.BoolVar(&f.mockAudio, "mock-audio", false, "Use the mock audio backend")
	flag.Parse()
	return f
}

func applyFlags(cfg *config.Config, f flags) error {
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.port != 0 {
		cfg.Web.Port = f.port
	}
	if f.mockAudio {
		cfg.Audio.Backend = audioio.BackendMock
	}
	return cfg.Validate()
}

// run wires the device and blocks until ctx is cancelled or a restart is
// requested. It returns the process exit code.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	sink, err := audioio.NewSink(cfg.Audio, logger)
	if err != nil {
		logger.Error("open sink failed", "error", err)
		return 1
	}
	if err := sink.Start(ctx); err != nil {
		logger.Error("start sink failed", "error", err)
		return 1
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("close sink failed", "error", err)
		}
	}()

	var source audioio.Source
	if cfg.Recorder.Enabled {
		source, err = audioio.NewSource(cfg.Audio, logger)
		if err != nil {
			logger.Error("open source failed", "error", err)
			return 1
		}
	}

	gate := &device.StaticGate{}
	restarter := device.NewChanRestarter(logger)

	// srv is assigned before the orchestrator starts, so the hooks below
	// never observe it nil once events flow.
	var srv *web.Server

	orch, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Sink:       sink,
		Source:     source,
		Gate:       gate,
		Restarter:  restarter,
		Policy:     &visual.SleepPolicy{},
		HTTPClient: httpc.Stream,
		Visual: func(s visual.State) {
			logger.Info("visual state", "state", s.String())
			if srv != nil {
				srv.AddLog("visual", s.String())
			}
		},
		OnStatus: func(st orchestrator.Status) {
			if srv != nil && cfg.Web.Enabled {
				srv.PublishStatus(st)
			}
		},
		NewOpusEncoder: func(f audioio.Format) (pipeline.Element, error) {
			return opuscodec.NewEncoder(f)
		},
		NewOpusDecoder: func(f audioio.Format) (pipeline.Element, error) {
			return opuscodec.NewDecoder(f, logger)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("create orchestrator failed", "error", err)
		return 1
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.Warn("close orchestrator failed", "error", err)
		}
	}()

	srv = web.NewServer(web.Options{
		Backend:   orch,
		Gate:      gate,
		AccessLog: cfg.LogLevel == "debug",
		Logger:    logger,
	})
	if cfg.Feeds.Server {
		netfeed.NewServer(orch.DuplexInput(), orch, logger).RegisterRoutes(srv.App())
	}
	if cfg.Feeds.WebRTC {
		rtc := netfeed.NewWebRTCReceiver(orch.DuplexInput(), orch, netfeed.WebRTCOptions{
			ICEServers: cfg.Feeds.ICEServers,
			Logger:     logger,
		})
		rtc.RegisterRoutes(srv.App())
		defer func() {
			if err := rtc.Close(); err != nil {
				logger.Warn("close webrtc peer failed", "error", err)
			}
		}()
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("start orchestrator failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Web.Enabled {
		addr := ":" + strconv.Itoa(cfg.Web.Port)
		g.Go(func() error { return srv.Start(gctx, addr) })
	}

	if cfg.Feeds.WebsocketURL != "" {
		client := netfeed.NewClient(orch.DuplexInput(), netfeed.ClientOptions{
			URL:            cfg.Feeds.WebsocketURL,
			ReconnectDelay: cfg.Feeds.ReconnectDelay,
			Controller:     orch,
			Logger:         logger,
		})
		g.Go(func() error { return client.Run(gctx) })
	}

	if cfg.Feeds.RTPAddr != "" {
		rtpRecv, err := netfeed.ListenRTP(cfg.Feeds.RTPAddr, orch.DuplexInput(), cfg.Feeds.RTPPayloadType, logger)
		if err != nil {
			logger.Error("listen rtp failed", "error", err)
			return 1
		}
		defer rtpRecv.Close()
		g.Go(func() error { return rtpRecv.Run(gctx) })
	}

	if rec := orch.Recorder(); rec != nil {
		mode := cfg.RecorderMode()
		g.Go(func() error { return capture(gctx, rec, mode, srv, logger) })
	}

	fmt.Println("🔊 voicebox running")
	fmt.Printf("   Mode: %s\n", cfg.Mode)
	if cfg.Web.Enabled {
		fmt.Printf("   API:  http://localhost:%d/api/status\n", cfg.Web.Port)
	}

	code := 0
	g.Go(func() error {
		select {
		case reason := <-restarter.C:
			logger.Error("restarting", "reason", reason)
			code = exitRestart
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("voicebox stopped", "error", err)
		if code == 0 {
			code = 1
		}
	}
	fmt.Println("👋 Goodbye!")
	return code
}

// capture runs the recorder and forwards captured audio to /ws/capture
// listeners until ctx is cancelled.
func capture(ctx context.Context, rec *recorder.Manager, mode recorder.Mode, srv *web.Server, logger *slog.Logger) error {
	h, err := rec.Open(mode)
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.Stop(h); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("stop recorder", "error", err)
		}
		if err := rec.Close(h); err != nil {
			logger.Warn("close recorder failed", "error", err)
		}
	}()

	if err := rec.Run(h); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := rec.Read(h, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if srv.CaptureListeners() > 0 {
			srv.SendCapture(append([]byte(nil), buf[:n]...))
		}
	}
	return nil
}
