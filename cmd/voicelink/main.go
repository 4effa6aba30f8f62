// Command voicelink streams the local microphone to a remote voice peer over
// WebSocket and plays the peer's audio back through the speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/portaudio"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	// ── Audio host ────────────────────────────────────────────────────────────
	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio terminate", "err", err)
		}
	}()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := newLogger(level, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"url", cfg.Transport.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		PeerURL:        cfg.Transport.URL,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	playback := cfg.Playback
	application, err := app.New(cfg,
		app.WithInputDevice(portaudio.NewInput(cfg.Capture.Device)),
		app.WithSinkFactory(func(rate int) (audio.Sink, error) {
			sink, err := portaudio.OpenOutput(playback.Device, rate, playback.BufferFrames)
			if err != nil {
				return nil, err
			}
			return sink, nil
		}),
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithSessionHandlers(app.SessionHandlers{
			OnStateChange: func(from, to transport.State) {
				slog.Info("connection state", "from", from, "to", to)
			},
			OnLocalSpeaking: func(s vad.SpeakingState) {
				slog.Debug("local speaking", "state", s)
			},
			OnRemoteSpeaking: func(s vad.SpeakingState) {
				slog.Debug("remote speaking", "state", s)
			},
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if !w.Reload() {
							slog.Info("config: SIGHUP, nothing to apply", "path", *configPath)
						}
					}
				}
			}()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.MetricsAddr; addr != "" {
		srv := newHTTPServer(addr, application, logger)
		g.Go(func() error {
			slog.Info("observability listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer stop()
		slog.Info("connecting, press Ctrl+C to shut down")
		return application.Run(gctx)
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newHTTPServer serves Prometheus metrics and the health endpoints.
func newHTTPServer(addr string, a *app.App, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.Health().Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics(), observe.WithRequestLogger(logger))(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicelink — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Peer", cfg.Transport.URL)
	printRow("Microphone", deviceName(cfg.Capture.Device))
	printRow("Speaker", deviceName(cfg.Playback.Device))
	printRow("Capture", fmt.Sprintf("%d Hz → %d Hz", cfg.Capture.SampleRate, cfg.Capture.TargetRate))
	printRow("Inbound", fmt.Sprintf("%d Hz", cfg.Playback.InboundSampleRate))
	printRow("VAD", fmt.Sprintf("%.3f / %s", cfg.VAD.Threshold, cfg.VAD.SilenceTimeout))
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func deviceName(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}

// printDevices writes the host's audio devices as a table to stdout.
func printDevices() error {
	devices, err := portaudio.ListDevices()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHOST API\tIN\tOUT\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		switch {
		case d.DefaultInput && d.DefaultOutput:
			def = "in,out"
		case d.DefaultInput:
			def = "in"
		case d.DefaultOutput:
			def = "out"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f\t%s\n",
			d.Name, d.HostAPI, d.InputChannels, d.OutputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
