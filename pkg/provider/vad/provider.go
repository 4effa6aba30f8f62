// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a block-level speech detector and surfaces it as a
// stateful, per-stream session. Each session tracks its own [SpeakingState]
// and the time of the last loud block, so the local microphone and the remote
// peer can be tracked independently by two sessions of the same engine.
//
// Detection is split in two halves. [SessionHandle.ProcessFrame] is driven by
// block arrival and can only move a session from Silent to Speaking. The
// Speaking to Silent decay is driven by a periodic silence check that runs
// independently of block arrival, so silence is detected even while quiet
// blocks keep arriving and after blocks stop arriving altogether.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle may be used from the block goroutine and its own
// silence-check goroutine at the same time.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Default detection parameters.
const (
	// DefaultThreshold is the RMS level above which a block counts as loud.
	DefaultThreshold = 0.01

	// DefaultSilenceTimeout is how long after the last loud block a speaking
	// session is declared silent.
	DefaultSilenceTimeout = 300 * time.Millisecond

	// DefaultCheckInterval is the cadence of the silence check.
	DefaultCheckInterval = 100 * time.Millisecond
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. Zero values are replaced by
// the package defaults in [Config.WithDefaults].
type Config struct {
	// SampleRate is the rate of the blocks passed to ProcessFrame, in Hz.
	// RMS detection does not depend on it; it is carried for engines that do.
	SampleRate int

	// Threshold is the loudness above which a block is considered speech.
	Threshold float64

	// SilenceTimeout is the time since the last loud block after which a
	// speaking session transitions to silent.
	SilenceTimeout time.Duration

	// CheckInterval is the cadence of the independent silence check.
	CheckInterval time.Duration

	// OnChange, if non-nil, is invoked on every Silent↔Speaking transition.
	// It is called without internal locks held and must not block.
	OnChange func(SpeakingState)
}

// WithDefaults returns a copy of c with zero fields set to package defaults.
func (c Config) WithDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

// Validate reports configuration values no engine can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad: threshold %v must not be negative", c.Threshold))
	}
	if c.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("vad: silence timeout %v must not be negative", c.SilenceTimeout))
	}
	if c.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("vad: check interval %v must not be negative", c.CheckInterval))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live engine.
type SessionHandle interface {
	// ProcessFrame analyses one block of normalised samples and returns the
	// detection result. A loud block on a silent session fires OnChange with
	// [Speaking]. Returns [ErrSessionClosed] after Close.
	ProcessFrame(samples []float32) (VADEvent, error)

	// State returns the current speaking state.
	State() SpeakingState

	// Reset forces the session back to [Silent] without firing OnChange and
	// clears the last-loud timestamp.
	Reset()

	// Close stops the silence check and releases all resources. Calling Close
	// more than once is safe and returns nil. No new transitions are
	// evaluated after Close.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new silent session with the given configuration and
	// starts its silence check. Returns an error if the configuration is
	// invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
