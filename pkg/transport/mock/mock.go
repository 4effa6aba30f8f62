// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Channel] for use in unit tests.
//
// Tests push inbound messages with [Channel.Deliver], inject read failures
// with [Channel.Fail], and inspect outbound messages with [Channel.Writes].
//
//	ch := mock.NewChannel()
//	d := &mock.Dialer{Channel: ch}
//	c := transport.New(d, handlers)
//	_ = c.Connect(ctx)
//	ch.Deliver([]byte{...})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicelink/pkg/transport"
)

// ErrClosed is returned by Channel operations after Close.
var ErrClosed = errors.New("mock: channel closed")

// Compile-time interface assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*Channel)(nil)
)

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialErr, if non-nil, is returned by Dial.
	DialErr error

	// Channel is returned by Dial. When nil or already closed, a fresh
	// [Channel] is created per call.
	Channel *Channel

	// Gate, if non-nil, is received from before Dial returns, letting tests
	// hold a dial in progress.
	Gate chan struct{}

	// CallCount records how many times Dial was called.
	CallCount int

	dialed []*Channel
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	d.mu.Lock()
	d.CallCount++
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	ch := d.Channel
	if ch == nil || ch.Closed() {
		ch = NewChannel()
	}
	d.dialed = append(d.dialed, ch)
	return ch, nil
}

// Calls returns CallCount. Thread-safe.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCount
}

// Last returns the most recently dialled channel, or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialed) == 0 {
		return nil
	}
	return d.dialed[len(d.dialed)-1]
}

// Channel is a mock [transport.Channel].
type Channel struct {
	inbound chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	writeErr error
	hold     chan struct{}
	written  [][]byte
	reasons  []string
	notify   chan struct{}
}

// NewChannel creates an open channel with room for 64 undelivered messages.
func NewChannel() *Channel {
	return &Channel{
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 256),
	}
}

// Deliver queues msg for the next Read. It returns false if the channel is
// closed or the inbound buffer is full.
func (c *Channel) Deliver(msg []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.inbound <- msg:
		return true
	default:
		return false
	}
}

// Fail makes the next Read return err once queued messages are consumed.
func (c *Channel) Fail(err error) {
	select {
	case c.readErr <- err:
	default:
	}
}

// SetWriteErr makes every following Write return err.
func (c *Channel) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Read implements [transport.Channel]. Messages already delivered are
// returned before an injected failure.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HoldWrites makes every following Write block until release is called, the
// channel is closed or the write context ends.
func (c *Channel) HoldWrites() (release func()) {
	hold := make(chan struct{})
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

// Write implements [transport.Channel].
func (c *Channel) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.Closed() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.written = append(c.written, cp)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Written returns a channel that receives a value after each successful
// Write.
func (c *Channel) Written() <-chan struct{} {
	return c.notify
}

// Writes returns a copy of every message written so far.
func (c *Channel) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Close implements [transport.Channel].
func (c *Channel) Close(reason string) error {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReasons returns the reasons passed to every Close call.
func (c *Channel) CloseReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}
