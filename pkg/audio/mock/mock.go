// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(8)
//	dev := &mock.InputDevice{Stream: stream}
//	eng := capture.New(dev, ...)
//	_ = eng.Start(ctx)
//	stream.Push(make([]float32, 2048))
//
// [Sink] never advances on its own: tests move its clock with [Sink.Advance],
// which fires the completion callbacks of every buffer that has finished.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrClosed is returned by mock streams and sinks after Close.
var ErrClosed = errors.New("mock: closed")

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenError is returned by [InputDevice.OpenInput] when non-nil.
	OpenError error

	// Stream is returned by [InputDevice.OpenInput]. When nil, a fresh
	// [InputStream] with a buffer of 16 blocks is created per call.
	Stream *InputStream

	// CallCountOpen records how many times OpenInput was called.
	CallCountOpen int

	// LastConfig is the config passed to the most recent OpenInput call.
	LastConfig audio.StreamConfig

	opened []*InputStream
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.LastConfig = cfg
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.Stream
	if s == nil || s.Closed() {
		s = NewInputStream(16)
	}
	d.opened = append(d.opened, s)
	return s, nil
}

// Opened returns every stream handed out so far, in order.
func (d *InputDevice) Opened() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InputStream, len(d.opened))
	copy(out, d.opened)
	return out
}

// Last returns the most recently opened stream, or nil.
func (d *InputDevice) Last() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] fed by [InputStream.Push].
type InputStream struct {
	blocks chan []float32
	done   chan struct{}
	once   sync.Once

	mu             sync.Mutex
	callCountClose int
}

// NewInputStream creates a stream that buffers up to buffer pushed blocks.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{
		blocks: make(chan []float32, buffer),
		done:   make(chan struct{}),
	}
}

// Push delivers block to the next Read. It returns false if the stream is
// closed or the buffer is full.
func (s *InputStream) Push(block []float32) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.blocks <- block:
		return true
	default:
		return false
	}
}

// Read implements [audio.InputStream].
func (s *InputStream) Read() ([]float32, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	select {
	case b := <-s.blocks:
		return b, nil
	case <-s.done:
		return nil, ErrClosed
	}
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.callCountClose++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (s *InputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] call.
type ScheduleCall struct {
	Buffer audio.PlaybackBuffer
	At     time.Duration

	// Done is the completion callback supplied by the caller. Tests may
	// invoke it directly to simulate a late completion.
	Done func()

	completed bool
}

// End returns the clock position at which the scheduled buffer finishes.
func (c ScheduleCall) End() time.Duration {
	return c.At + c.Buffer.Duration()
}

// Sink is a mock [audio.Sink] with a manually advanced clock.
type Sink struct {
	mu sync.Mutex

	// ScheduleError is returned by [Sink.Schedule] when non-nil.
	ScheduleError error

	now            time.Duration
	calls          []*ScheduleCall
	closed         bool
	callCountClose int
}

// Now implements [audio.Sink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow moves the clock to t without completing anything.
func (s *Sink) SetNow(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Schedule implements [audio.Sink].
func (s *Sink) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ScheduleError != nil {
		return s.ScheduleError
	}
	s.calls = append(s.calls, &ScheduleCall{Buffer: buf, At: at, Done: done})
	return nil
}

// Close implements [audio.Sink]. Pending completions are discarded.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCountClose++
	s.closed = true
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Sink) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCountClose
}

// Schedules returns a snapshot of every Schedule call in order.
func (s *Sink) Schedules() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.calls))
	for i, c := range s.calls {
		out[i] = *c
	}
	return out
}

// Advance moves the clock forward by d and fires, in schedule order, the
// completion of every buffer whose end is at or before the new clock
// position. Buffers scheduled by those callbacks are completed too if they
// also end in time. Nothing fires after Close. Returns the number of
// completions fired.
func (s *Sink) Advance(d time.Duration) int {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()

	fired := 0
	for {
		s.mu.Lock()
		var next *ScheduleCall
		if !s.closed {
			for _, c := range s.calls {
				if !c.completed && c.End() <= s.now {
					next = c
					break
				}
			}
		}
		if next != nil {
			next.completed = true
		}
		s.mu.Unlock()

		if next == nil {
			return fired
		}
		fired++
		if next.Done != nil {
			next.Done()
		}
	}
}
