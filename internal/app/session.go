package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	"github.com/MrWong99/voicelink/pkg/provider/vad/rms"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// ErrSessionClosed is returned by [Session] operations after Close.
var ErrSessionClosed = errors.New("session: closed")

// SessionHandlers are the optional observer callbacks of a [Session]. They
// are invoked without internal locks held and may call back into the session,
// including Close.
type SessionHandlers struct {
	// OnStateChange fires for every transport state transition.
	OnStateChange func(from, to transport.State)

	// OnError receives transport failures and capture start failures. A
	// capture failure wrapping [capture.ErrPermissionDenied] leaves the
	// session receiving and playing.
	OnError func(error)

	// OnLocalSpeaking fires on every microphone Silent↔Speaking transition.
	OnLocalSpeaking func(vad.SpeakingState)

	// OnRemoteSpeaking fires on every Silent↔Speaking transition of the
	// inbound audio.
	OnRemoteSpeaking func(vad.SpeakingState)

	// OnPlaying fires when playback starts or runs dry.
	OnPlaying func(bool)
}

// SessionConfig holds the dependencies of a [Session].
type SessionConfig struct {
	// Dialer opens the transport channel. Required.
	Dialer transport.Dialer

	// Input is the microphone. Required.
	Input audio.InputDevice

	// Sink is the speaker. The session owns it and closes it on Close.
	// Required.
	Sink audio.Sink

	// Capture configures the microphone stream and both VAD detectors.
	Capture capture.Config

	// InboundSampleRate is the agreed rate of inbound frames. Zero uses
	// [audio.DefaultInboundSampleRate].
	InboundSampleRate int

	// SendQueue is the transport send queue capacity. Zero uses
	// [transport.DefaultSendQueue].
	SendQueue int

	// VADEngine creates the local and remote detector sessions. Nil uses the
	// RMS detector.
	VADEngine vad.Engine

	// Metrics receives pipeline measurements. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	Handlers SessionHandlers
}

// Session wires capture, transport and playback into one bidirectional voice
// link. Inbound frames are decoded, analysed by the remote detector and
// scheduled for gapless playback. The microphone runs exactly while the
// transport is Connected; its blocks are sent only while connected.
//
// All exported methods are safe for concurrent use and may be called from
// inside the session's handlers.
type Session struct {
	client    *transport.Client
	capture   *capture.Engine
	scheduler *playback.Scheduler
	remoteVAD vad.SessionHandle
	codec     audio.FrameCodec
	metrics   *observe.Metrics
	log       *slog.Logger
	handlers  SessionHandlers

	// ctx is cancelled on Close and bounds microphone opens.
	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu is held while the microphone starts so a concurrent stop on
	// leaving Connected is ordered after it.
	lifeMu sync.Mutex
	closed atomic.Bool

	mu         sync.Mutex
	remote     vad.SpeakingState
	captureErr error
	traceCtx   context.Context // span context of the latest Connect
	inFormat   string

	undecodable atomic.Uint64
}

// NewSession builds a session from cfg. Nothing is opened until [Session.Connect].
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Dialer == nil || cfg.Input == nil || cfg.Sink == nil {
		return nil, errors.New("session: dialer, input and sink are required")
	}
	eng := cfg.VADEngine
	if eng == nil {
		eng = rms.New()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	inboundRate := cfg.InboundSampleRate
	if inboundRate <= 0 {
		inboundRate = audio.DefaultInboundSampleRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		codec:    audio.FrameCodec{SampleRate: inboundRate},
		metrics:  met,
		log:      log,
		handlers: cfg.Handlers,
		ctx:      ctx,
		cancel:   cancel,
		traceCtx: context.Background(),
	}

	rcfg := cfg.Capture.VAD
	rcfg.SampleRate = inboundRate
	rcfg.OnChange = s.remoteSpeakingChanged
	remote, err := eng.NewSession(rcfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: create remote vad: %w", err)
	}
	s.remoteVAD = remote

	s.scheduler = playback.New(cfg.Sink,
		playback.WithPlayingHandler(s.playingChanged),
		playback.WithCompleteHandler(s.bufferPlayed),
		playback.WithLogger(log),
	)

	queue := cfg.SendQueue
	if queue <= 0 {
		queue = transport.DefaultSendQueue
	}
	s.client = transport.New(cfg.Dialer, transport.Handlers{
		OnReceive:     s.handleFrame,
		OnStateChange: s.stateChanged,
		OnError:       s.transportError,
	}, transport.WithSendQueue(queue), transport.WithLogger(log))

	s.capture = capture.New(cfg.Input, cfg.Capture,
		capture.WithSend(s.sendFrame),
		capture.WithConnected(s.client.IsConnected),
		capture.WithVADEngine(eng),
		capture.WithSpeakingHandler(s.localSpeakingChanged),
		capture.WithLogger(log),
	)

	s.metrics.ActiveSessions.Add(ctx, 1)
	return s, nil
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Connect opens the transport. The microphone is started once the transport
// reports Connected. On failure the transport stays in Error until the next
// Connect; nothing is retried automatically.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	s.mu.Lock()
	s.traceCtx = observe.Detach(ctx)
	s.mu.Unlock()
	log := s.logger()

	start := time.Now()
	if err := s.client.Connect(ctx); err != nil {
		observe.FailSpan(span, err)
		log.Warn("session: connect failed", "err", err)
		return fmt.Errorf("session: connect: %w", err)
	}
	elapsed := time.Since(start)
	s.metrics.ConnectDuration.Record(ctx, elapsed.Seconds())
	log.Info("session: connected", "elapsed", elapsed, "inbound_rate", s.codec.SampleRate)
	return nil
}

// logger returns the session logger tagged with the trace of the latest
// Connect.
func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	ctx := s.traceCtx
	s.mu.Unlock()
	return observe.LoggerFrom(ctx, s.log)
}

// Disconnect closes the transport and stops the microphone. Queued playback
// continues. A second call is a no-op.
func (s *Session) Disconnect() error {
	if s.closed.Load() {
		return nil
	}
	return s.client.Disconnect()
}

// Close tears down capture, playback and transport. It runs once; later
// calls return nil.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	var errs []error
	if err := s.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.scheduler.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close playback: %w", err))
	}
	if err := s.client.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if err := s.remoteVAD.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close remote vad: %w", err))
	}
	s.setRemote(vad.Silent)

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	return errors.Join(errs...)
}

// ─── accessors ───────────────────────────────────────────────────────────────

// State returns the transport state.
func (s *Session) State() transport.State {
	return s.client.State()
}

// Err returns the most recent capture start failure, or nil once the
// microphone has started successfully.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureErr
}

// PermissionDenied reports whether the microphone could not be opened
// because access was refused.
func (s *Session) PermissionDenied() bool {
	return errors.Is(s.Err(), capture.ErrPermissionDenied)
}

// LocalSpeaking returns the microphone speaking state.
func (s *Session) LocalSpeaking() vad.SpeakingState {
	return s.capture.SpeakingState()
}

// RemoteSpeaking returns the speaking state of the inbound audio.
func (s *Session) RemoteSpeaking() vad.SpeakingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// IsPlaying reports whether inbound audio is currently playing.
func (s *Session) IsPlaying() bool {
	return s.scheduler.IsPlaying()
}

// Status is a point-in-time snapshot of a [Session], served on /status.
type Status struct {
	Transport        string `json:"transport"`
	LastError        string `json:"last_error,omitempty"`
	CaptureActive    bool   `json:"capture_active"`
	PermissionDenied bool   `json:"permission_denied"`
	LocalSpeaking    string `json:"local_speaking"`
	RemoteSpeaking   string `json:"remote_speaking"`
	Playing          bool   `json:"playing"`
	QueuedBuffers    int    `json:"queued_buffers"`
	BlocksRead       uint64 `json:"blocks_read"`
	FramesSent       uint64 `json:"frames_sent"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FramesReceived   uint64 `json:"frames_received"`
	Undecodable      uint64 `json:"frames_undecodable"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	cs := s.capture.Stats()
	ts := s.client.Stats()
	st := Status{
		Transport:        s.client.State().String(),
		CaptureActive:    s.capture.IsActive(),
		PermissionDenied: s.PermissionDenied(),
		LocalSpeaking:    s.LocalSpeaking().String(),
		RemoteSpeaking:   s.RemoteSpeaking().String(),
		Playing:          s.scheduler.IsPlaying(),
		QueuedBuffers:    s.scheduler.QueueLen(),
		BlocksRead:       cs.BlocksRead,
		FramesSent:       cs.FramesSent,
		FramesDropped:    cs.FramesDropped + ts.Dropped,
		FramesReceived:   ts.Received,
		Undecodable:      s.undecodable.Load(),
	}
	if err := s.client.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// ─── transport callbacks ─────────────────────────────────────────────────────

func (s *Session) stateChanged(from, to transport.State) {
	s.metrics.RecordTransportTransition(s.ctx, from.String(), to.String())

	var startErr error
	switch {
	case to == transport.Connected:
		s.lifeMu.Lock()
		// A Disconnect racing this handler has already moved the state on.
		if !s.closed.Load() && s.client.IsConnected() {
			startErr = s.startCapture()
		}
		s.lifeMu.Unlock()
	case from == transport.Connected:
		// Wait for a concurrent start to finish so the stop below wins.
		s.lifeMu.Lock()
		s.lifeMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
		if err := s.capture.Stop(); err != nil {
			s.logger().Warn("session: stop capture", "err", err)
		}
		s.remoteVAD.Reset()
		s.setRemote(vad.Silent)
	}

	if startErr != nil {
		s.logger().Error("session: microphone unavailable, receiving only",
			"permission_denied", errors.Is(startErr, capture.ErrPermissionDenied),
			"err", startErr,
		)
		if s.handlers.OnError != nil {
			s.handlers.OnError(startErr)
		}
	}
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(from, to)
	}
}

// startCapture starts the microphone and records the outcome. Must be called
// with s.lifeMu held.
func (s *Session) startCapture() error {
	err := s.capture.Start(s.ctx)
	s.mu.Lock()
	s.captureErr = err
	s.mu.Unlock()
	return err
}

func (s *Session) transportError(err error) {
	s.metrics.TransportErrors.Add(s.ctx, 1)
	s.logger().Warn("session: transport error", "state", s.client.State(), "err", err)
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Session) handleFrame(frame []byte) {
	s.metrics.FramesReceived.Add(s.ctx, 1)
	s.metrics.RecordBytes(s.ctx, observe.DirectionInbound, len(frame))

	format := s.codec.Describe(len(frame))
	buf, err := s.codec.Decode(frame)
	if err != nil {
		s.undecodable.Add(1)
		s.metrics.RecordFrameDropped(s.ctx, observe.DirectionInbound, "undecodable")
		s.logger().Warn("session: dropping inbound frame", "bytes", len(frame), "format", format, "err", err)
		return
	}
	if s.swapFormat(format) {
		s.logger().Info("session: inbound audio format", "format", format, "bytes", len(frame))
	}

	if _, err := s.remoteVAD.ProcessFrame(buf.Samples); err != nil && !errors.Is(err, vad.ErrSessionClosed) {
		s.logger().Debug("session: remote vad", "err", err)
	}
	s.scheduler.Enqueue(buf)
	s.metrics.PlaybackQueueDepth.Record(s.ctx, int64(s.scheduler.QueueLen()))
}

// ─── capture callbacks ───────────────────────────────────────────────────────

func (s *Session) sendFrame(frame []byte) bool {
	if s.client.Send(frame) {
		s.metrics.FramesSent.Add(s.ctx, 1)
		s.metrics.RecordBytes(s.ctx, observe.DirectionOutbound, len(frame))
		return true
	}
	s.metrics.RecordFrameDropped(s.ctx, observe.DirectionOutbound, "rejected")
	s.logger().Debug("session: outbound frame dropped", "bytes", len(frame), "state", s.client.State(), "err", transport.ErrSendRejected)
	return false
}

// swapFormat records the layout of the latest decodable inbound frame and
// reports whether it differs from the previous one.
func (s *Session) swapFormat(format string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFormat == format {
		return false
	}
	s.inFormat = format
	return true
}

func (s *Session) localSpeakingChanged(state vad.SpeakingState) {
	s.metrics.RecordSpeaking(s.ctx, observe.SourceLocal, state.String())
	if s.handlers.OnLocalSpeaking != nil {
		s.handlers.OnLocalSpeaking(state)
	}
}

// ─── playback callbacks ──────────────────────────────────────────────────────

func (s *Session) remoteSpeakingChanged(state vad.SpeakingState) {
	if s.closed.Load() {
		return
	}
	s.setRemote(state)
}

// setRemote records the remote speaking state and notifies on change.
func (s *Session) setRemote(state vad.SpeakingState) {
	s.mu.Lock()
	if s.remote == state {
		s.mu.Unlock()
		return
	}
	s.remote = state
	s.mu.Unlock()

	s.metrics.RecordSpeaking(s.ctx, observe.SourceRemote, state.String())
	if s.handlers.OnRemoteSpeaking != nil {
		s.handlers.OnRemoteSpeaking(state)
	}
}

func (s *Session) playingChanged(playing bool) {
	var v int64
	if playing {
		v = 1
	}
	s.metrics.PlaybackActive.Record(s.ctx, v)
	if s.handlers.OnPlaying != nil {
		s.handlers.OnPlaying(playing)
	}
}

func (s *Session) bufferPlayed(buf audio.PlaybackBuffer) {
	s.metrics.PlaybackBufferDuration.Record(s.ctx, buf.Duration().Seconds())
	s.metrics.PlaybackQueueDepth.Record(s.ctx, int64(s.scheduler.QueueLen()))
}
