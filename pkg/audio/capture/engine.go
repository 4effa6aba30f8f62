// Package capture turns a microphone into a stream of outbound wire frames.
//
// An [Engine] opens a mono input stream on an [audio.InputDevice], reads
// fixed-size blocks on a single goroutine, runs every block through a VAD
// session, and, while the transport reports itself connected, resamples the
// block to the wire rate and hands the float32 little-endian encoding to a
// send callback. A send that is refused drops the block; nothing is retried or
// buffered.
//
// Start and Stop may be called from any goroutine, including from inside the
// send or speaking callbacks. Blocks read after Stop are discarded by a
// generation check.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	"github.com/MrWong99/voicelink/pkg/provider/vad/rms"
)

// ErrPermissionDenied is returned (wrapped) by [Engine.Start] when the
// operating system refuses microphone access. [audio.InputDevice]
// implementations wrap it so callers can match with errors.Is.
var ErrPermissionDenied = errors.New("capture: microphone permission denied")

// Default stream parameters.
const (
	DefaultDeviceRate = 48000
	DefaultBlockSize  = 2048
	DefaultTargetRate = 16000
)

// Config holds the stream and detection parameters of an [Engine].
type Config struct {
	// DeviceRate is the capture rate requested from the device in Hz.
	DeviceRate int

	// BlockSize is the number of samples per delivered block.
	BlockSize int

	// TargetRate is the wire rate outbound frames are resampled to.
	TargetRate int

	// VAD configures the local speaking-state session. OnChange is replaced by
	// the engine; use [WithSpeakingHandler] instead.
	VAD vad.Config
}

// WithDefaults returns a copy of c with zero fields set to package defaults.
func (c Config) WithDefaults() Config {
	if c.DeviceRate == 0 {
		c.DeviceRate = DefaultDeviceRate
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.TargetRate == 0 {
		c.TargetRate = DefaultTargetRate
	}
	return c
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithSend sets the callback that receives encoded outbound frames. It
// returns false when the frame was not accepted, in which case the frame is
// dropped.
func WithSend(fn func([]byte) bool) Option {
	return func(e *Engine) {
		e.send = fn
	}
}

// WithConnected sets the predicate consulted before each send. Blocks read
// while it reports false are analysed by the VAD but not sent.
func WithConnected(fn func() bool) Option {
	return func(e *Engine) {
		e.connected = fn
	}
}

// WithVADEngine replaces the default RMS detector.
func WithVADEngine(eng vad.Engine) Option {
	return func(e *Engine) {
		e.vad = eng
	}
}

// WithSpeakingHandler registers fn to be called on every local
// Silent↔Speaking transition, including the reset to Silent in Stop.
func WithSpeakingHandler(fn func(vad.SpeakingState)) Option {
	return func(e *Engine) {
		e.onSpeaking = fn
	}
}

// WithLogger sets the logger used by the read loop. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// Stats is a snapshot of the engine's block counters.
type Stats struct {
	BlocksRead    uint64
	FramesSent    uint64
	FramesDropped uint64
}

// Engine captures microphone audio and feeds it to the VAD and the send
// callback. All exported methods are safe for concurrent use.
type Engine struct {
	dev        audio.InputDevice
	cfg        Config
	vad        vad.Engine
	send       func([]byte) bool
	connected  func() bool
	onSpeaking func(vad.SpeakingState)
	log        *slog.Logger

	mu       sync.Mutex
	active   bool
	gen      uint64
	stream   audio.InputStream
	session  vad.SessionHandle
	speaking vad.SpeakingState

	blocksRead    atomic.Uint64
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// New creates an idle Engine reading from dev.
func New(dev audio.InputDevice, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		dev: dev,
		cfg: cfg.WithDefaults(),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.vad == nil {
		e.vad = rms.New()
	}
	return e
}

// Start opens the microphone and begins block delivery. When device access is
// refused the returned error wraps [ErrPermissionDenied] and no resources are
// held. Start on an active engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return nil
	}

	e.gen++
	gen := e.gen

	vcfg := e.cfg.VAD
	vcfg.SampleRate = e.cfg.DeviceRate
	vcfg.OnChange = func(s vad.SpeakingState) { e.speakingChanged(gen, s) }
	sess, err := e.vad.NewSession(vcfg)
	if err != nil {
		return fmt.Errorf("capture: create vad session: %w", err)
	}

	stream, err := e.dev.OpenInput(ctx, audio.StreamConfig{
		SampleRate: e.cfg.DeviceRate,
		Channels:   1,
		BlockSize:  e.cfg.BlockSize,
	})
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("capture: open input: %w", err)
	}

	e.stream = stream
	e.session = sess
	e.speaking = vad.Silent
	e.active = true
	go e.readLoop(gen, stream, sess)
	return nil
}

// Stop releases the microphone, stops the silence check and resets the local
// speaking state to Silent, notifying the speaking handler if it was
// Speaking. Stop is idempotent and safe to call from inside a callback.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	e.gen++
	stream, sess := e.stream, e.session
	e.stream, e.session = nil, nil
	wasSpeaking := e.speaking == vad.Speaking
	e.speaking = vad.Silent
	e.mu.Unlock()

	err := errors.Join(stream.Close(), sess.Close())
	if wasSpeaking && e.onSpeaking != nil {
		e.onSpeaking(vad.Silent)
	}
	if err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// IsActive reports whether the engine is between a successful Start and Stop.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SpeakingState returns the local speaking state.
func (e *Engine) SpeakingState() vad.SpeakingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// Stats returns a snapshot of the block counters.
func (e *Engine) Stats() Stats {
	return Stats{
		BlocksRead:    e.blocksRead.Load(),
		FramesSent:    e.framesSent.Load(),
		FramesDropped: e.framesDropped.Load(),
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active && e.gen == gen
}

func (e *Engine) readLoop(gen uint64, stream audio.InputStream, sess vad.SessionHandle) {
	for {
		block, err := stream.Read()
		if err != nil {
			if e.current(gen) {
				e.log.Warn("capture: read failed, stopping", "err", err)
				e.stopGen(gen)
			}
			return
		}
		if !e.current(gen) {
			return
		}
		e.handleBlock(gen, sess, block)
	}
}

func (e *Engine) handleBlock(gen uint64, sess vad.SessionHandle, block []float32) {
	e.blocksRead.Add(1)
	if _, err := sess.ProcessFrame(block); err != nil && !errors.Is(err, vad.ErrSessionClosed) {
		e.log.Debug("capture: vad", "err", err)
	}

	if e.connected == nil || !e.connected() || e.send == nil {
		return
	}
	frame := audio.EncodeFloat32LE(audio.Resample(block, e.cfg.DeviceRate, e.cfg.TargetRate))
	// Stop may have run since the read loop checked the generation.
	if !e.current(gen) {
		return
	}
	if e.send(frame) {
		e.framesSent.Add(1)
		return
	}
	e.framesDropped.Add(1)
}

// stopGen stops the engine only if gen is still the active generation.
func (e *Engine) stopGen(gen uint64) {
	if !e.current(gen) {
		return
	}
	if err := e.Stop(); err != nil {
		e.log.Warn("capture: stop after read failure", "err", err)
	}
}

func (e *Engine) speakingChanged(gen uint64, s vad.SpeakingState) {
	e.mu.Lock()
	if !e.active || e.gen != gen || e.speaking == s {
		e.mu.Unlock()
		return
	}
	e.speaking = s
	e.mu.Unlock()
	if e.onSpeaking != nil {
		e.onSpeaking(s)
	}
}
