// Package app wires the voicelink subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the transport dialer,
// session manager and health handler from config, Run starts a session and
// blocks, and Shutdown tears everything down in order.
//
// Audio devices are injected through options (WithInputDevice,
// WithSinkFactory) so that the package stays free of native audio
// dependencies; main supplies the PortAudio implementations and tests supply
// mocks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	"github.com/MrWong99/voicelink/pkg/transport"
	"github.com/MrWong99/voicelink/pkg/transport/websocket"
)

// App owns all subsystem lifetimes and orchestrates the voice link.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	dialer    transport.Dialer
	input     audio.InputDevice
	newSink   SinkFactory
	vadEngine vad.Engine
	metrics   *observe.Metrics
	log       *slog.Logger
	level     *slog.LevelVar
	handlers  SessionHandlers

	manager *SessionManager
	health  *health.Handler

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject devices and
// test doubles.
type Option func(*App)

// WithDialer injects a transport dialer instead of the WebSocket dialer built
// from config.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithInputDevice sets the microphone. Required.
func WithInputDevice(d audio.InputDevice) Option {
	return func(a *App) { a.input = d }
}

// WithSinkFactory sets the speaker factory. Required.
func WithSinkFactory(f SinkFactory) Option {
	return func(a *App) { a.newSink = f }
}

// WithVADEngine replaces the RMS detector for both directions.
func WithVADEngine(e vad.Engine) Option {
	return func(a *App) { a.vadEngine = e }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithSessionHandlers registers observer callbacks on every session.
func WithSessionHandlers(h SessionHandlers) Option {
	return func(a *App) { a.handlers = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Unless [WithDialer] is given, the transport is
// a WebSocket dialer for cfg.Transport.URL.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.input == nil || a.newSink == nil {
		return nil, errors.New("app: input device and sink factory are required")
	}
	if a.dialer == nil {
		if cfg.Transport.URL == "" {
			return nil, fmt.Errorf("app: no transport url configured (set transport.url or %s)", config.EnvURL)
		}
		a.dialer = newDialer(cfg.Transport)
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Dialer:    a.dialer,
		Input:     a.input,
		NewSink:   a.newSink,
		VADEngine: a.vadEngine,
		Metrics:   a.metrics,
		Logger:    a.log,
		Handlers:  a.handlers,
	})
	a.health = health.New(
		func() any { return a.manager.Status() },
		health.Checker{Name: "transport", Check: a.manager.CheckTransport},
		health.Checker{Name: "capture", Check: a.manager.CheckCapture},
	)
	return a, nil
}

// newDialer builds the WebSocket dialer described by tc.
func newDialer(tc config.TransportConfig) *websocket.Dialer {
	var wsOpts []websocket.Option
	if len(tc.Headers) > 0 {
		h := make(http.Header, len(tc.Headers))
		for k, v := range tc.Headers {
			h.Set(k, v)
		}
		wsOpts = append(wsOpts, websocket.WithHeader(h))
	}
	if tc.ReadLimit > 0 {
		wsOpts = append(wsOpts, websocket.WithReadLimit(tc.ReadLimit))
	}
	if tc.DialTimeout > 0 {
		wsOpts = append(wsOpts, websocket.WithDialTimeout(tc.DialTimeout))
	}
	return websocket.New(tc.URL, wsOpts...)
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager {
	return a.manager
}

// Health returns the handler serving /healthz, /readyz and /status.
func (a *App) Health() *health.Handler {
	return a.health
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a session and blocks until ctx is cancelled or the session is
// stopped. A failed connect is returned; it is not retried.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	done := a.manager.Done()
	if done == nil {
		// Stopped before we got here.
		return nil
	}

	select {
	case <-ctx.Done():
	case <-done:
		a.log.Info("session ended")
	}
	return nil
}

// ApplyConfig applies the hot-reloadable parts of a changed config. The log
// level changes immediately and VAD parameters apply to the next session;
// every other change is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.manager.SetVAD(d.NewVAD)
		a.log.Info("vad parameters updated for the next session",
			"threshold", d.NewVAD.Threshold,
			"silence_timeout", d.NewVAD.SilenceTimeout,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config change requires a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session. It respects the context deadline: if
// ctx expires before teardown finishes, the context error is returned and
// teardown continues in the background.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		done := make(chan error, 1)
		go func() {
			if !a.manager.IsActive() {
				done <- nil
				return
			}
			done <- a.manager.Stop()
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("session stop error", "err", err)
			}
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
			return
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
