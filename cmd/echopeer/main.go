// Command echopeer is a loopback voice peer for local testing. It accepts
// WebSocket connections and sends every binary audio frame straight back, so
// a voicelink client pointed at it plays its own microphone.
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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/transport/websocket"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8765", "listen address")
	path := flag.String("path", "/audio", "WebSocket endpoint path")
	gain := flag.Float64("gain", 1, "gain applied to float32 frames before echoing")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	echo := &websocket.EchoHandler{Log: logger}
	if *gain != 1 {
		echo.Transform = scale(float32(*gain))
	}

	mux := http.NewServeMux()
	mux.Handle(*path, echo)
	health.New(nil).Register(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           observe.Middleware(observe.DefaultMetrics(), observe.WithRequestLogger(logger))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("echo peer listening", "addr", *addr, "path", *path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("echo peer stopped", "err", err)
		return 1
	}
	return 0
}

// scale returns a transform that multiplies float32 frames by g. Frames of
// any other layout are echoed unchanged.
func scale(g float32) func([]byte) []byte {
	return func(frame []byte) []byte {
		if f, err := audio.Classify(len(frame)); err != nil || f != audio.FormatFloat32 {
			return frame
		}
		samples := audio.DecodeFloat32LE(frame)
		for i := range samples {
			samples[i] = max(-1, min(1, samples[i]*g))
		}
		return audio.EncodeFloat32LE(samples)
	}
}
