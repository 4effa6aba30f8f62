// Package rms provides a pure-Go [vad.Engine] based on block RMS loudness.
//
// A block whose RMS level exceeds the configured threshold records the
// current time as the last-loud timestamp and, on a silent session, starts
// speech. A ticker running every CheckInterval compares the time since the
// last loud block against the silence timeout and ends speech once it has
// been exceeded.
package rms

import (
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now as the session clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithManualTicks disables the background silence-check ticker. Callers
// drive the check themselves through [Session.Tick].
func WithManualTicks() Option {
	return func(e *Engine) {
		e.manual = true
	}
}

// Engine creates RMS VAD sessions. It holds no per-stream state and is safe
// for concurrent use.
type Engine struct {
	now    func() time.Time
	manual bool
}

// New creates an RMS [Engine] with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:  cfg,
		now:  e.now,
		stop: make(chan struct{}),
	}
	if !e.manual {
		go s.run(cfg.CheckInterval)
	}
	return s, nil
}

// Session is a single RMS detection stream.
type Session struct {
	cfg vad.Config
	now func() time.Time

	mu       sync.Mutex
	state    vad.SpeakingState
	lastLoud time.Time
	closed   bool

	stop     chan struct{}
	stopOnce sync.Once
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	level := audio.RMS(samples)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return vad.VADEvent{Type: vad.VADSilence, Level: level}, vad.ErrSessionClosed
	}
	if level <= s.cfg.Threshold {
		s.mu.Unlock()
		return vad.VADEvent{Type: vad.VADSilence, Level: level}, nil
	}
	s.lastLoud = s.now()
	if s.state == vad.Speaking {
		s.mu.Unlock()
		return vad.VADEvent{Type: vad.VADSpeechContinue, Level: level}, nil
	}
	s.state = vad.Speaking
	s.mu.Unlock()

	s.notify(vad.Speaking)
	return vad.VADEvent{Type: vad.VADSpeechStart, Level: level}, nil
}

// Tick runs one silence check: a speaking session whose last loud block is
// more than SilenceTimeout in the past becomes silent. Reports whether a
// transition happened.
func (s *Session) Tick() bool {
	s.mu.Lock()
	if s.closed || s.state != vad.Speaking || s.now().Sub(s.lastLoud) <= s.cfg.SilenceTimeout {
		s.mu.Unlock()
		return false
	}
	s.state = vad.Silent
	s.mu.Unlock()

	s.notify(vad.Silent)
	return true
}

// State implements [vad.SessionHandle].
func (s *Session) State() vad.SpeakingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = vad.Silent
	s.lastLoud = time.Time{}
}

// Close implements [vad.SessionHandle]. It does not wait for the ticker
// goroutine, so it is safe to call from inside OnChange. A transition already
// past its closed check may still notify once while Close runs; callers that
// need a hard cut-off guard their OnChange.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Session) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// notify runs OnChange unless the session was closed after the transition.
func (s *Session) notify(state vad.SpeakingState) {
	cb := s.cfg.OnChange
	if cb == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		cb(state)
	}
}
