// Package audio defines the sample types, conversion helpers, and device
// abstractions used by the voicelink pipeline.
//
// The three device-facing abstractions are:
//
//   - [InputDevice] opens a mono capture stream that delivers fixed-size
//     blocks of float32 samples.
//   - [InputStream] is an open capture stream; blocking [InputStream.Read]
//     calls return one block at a time in arrival order.
//   - [Sink] is a playback output with its own monotonic clock that accepts
//     buffers scheduled at explicit start times.
//
// Concrete implementations live in sub-packages (audio/portaudio for real
// hardware, audio/mock for tests). The interfaces are intentionally narrow so
// that the capture engine and playback scheduler never depend on a particular
// audio backend.
package audio

import (
	"context"
	"time"
)

// StreamConfig describes the capture stream requested from an [InputDevice].
type StreamConfig struct {
	// SampleRate is the device rate in Hz (nominally 48000).
	SampleRate int

	// Channels is the number of input channels. The pipeline always asks for 1.
	Channels int

	// BlockSize is the number of samples delivered per [InputStream.Read].
	BlockSize int
}

// InputDevice opens capture streams on a microphone.
//
// Implementations must return an error wrapping the capture package's
// permission sentinel when the operating system refuses microphone access, and
// must not hold any resources when OpenInput fails.
type InputDevice interface {
	// OpenInput acquires the device and starts block delivery. The supplied ctx
	// governs the open phase only.
	OpenInput(ctx context.Context, cfg StreamConfig) (InputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Read blocks until the next block of exactly BlockSize samples is
	// available and returns it. The returned slice is owned by the caller.
	// After Close, Read returns a non-nil error.
	Read() ([]float32, error)

	// Close stops the stream and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Sink is a mono playback output driven by its own monotonic clock.
//
// Implementations must be safe for concurrent use. The done callback passed
// to Schedule must be invoked exactly once per successfully scheduled buffer,
// on a goroutine that holds none of the sink's internal locks, so the
// callback may call Schedule again.
type Sink interface {
	// Now returns the current position of the sink clock.
	Now() time.Duration

	// Schedule queues buf to start playing at clock position at. done is called
	// when the buffer has been handed to the device in full.
	Schedule(buf PlaybackBuffer, at time.Duration, done func()) error

	// Close stops the output and releases the device. Pending done callbacks
	// are discarded. Calling Close more than once is safe and returns nil.
	Close() error
}
