// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to inject VADEvent responses, inspect the blocks that were
// submitted for processing, and drive speaking transitions with
// [Session.Trigger] without real audio.
//
// Example:
//
//	sess := &mock.Session{
//	    EventResult: vad.VADEvent{Type: vad.VADSpeechStart, Level: 0.2},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
//	sess.Trigger(vad.Speaking) // invokes cfg.OnChange
package mock

import (
	"sync"

	"github.com/MrWong99/voicelink/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the session returned by NewSession. If nil, NewSession
	// returns a new default Session per call.
	Session *Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall

	created []*Session
}

// NewSession records the call, binds cfg to the returned session and
// returns it.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := e.Session
	if s == nil {
		s = &Session{}
	}
	s.bind(cfg)
	e.created = append(e.created, s)
	return s, nil
}

// Sessions returns every session handed out so far, in order.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.created))
	copy(out, e.created)
	return out
}

// Calls returns a snapshot of NewSessionCalls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NewSessionCall, len(e.NewSessionCalls))
	copy(out, e.NewSessionCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
	e.created = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessFrameCall records a single invocation of Session.ProcessFrame.
type ProcessFrameCall struct {
	// Samples is a copy of the block passed to ProcessFrame.
	Samples []float32
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// EventResult is returned by every ProcessFrame call.
	EventResult vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessFrameCalls records every call to ProcessFrame in order.
	ProcessFrameCalls []ProcessFrameCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	cfg   vad.Config
	state vad.SpeakingState
}

func (s *Session) bind(cfg vad.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.state = vad.Silent
}

// ProcessFrame records the call and returns EventResult, ProcessFrameErr.
func (s *Session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Samples: cp})
	return s.EventResult, s.ProcessFrameErr
}

// State returns the state last set by Trigger.
func (s *Session) State() vad.SpeakingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger sets the session state and, if it changed, invokes the OnChange
// callback of the bound Config outside the mock's lock.
func (s *Session) Trigger(state vad.SpeakingState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	cb := s.cfg.OnChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb(state)
	}
}

// Config returns the Config bound by the most recent NewSession.
func (s *Session) Config() vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Frames returns the number of ProcessFrame calls. Thread-safe.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessFrameCalls)
}

// Reset records the call and returns the session to Silent.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.state = vad.Silent
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
