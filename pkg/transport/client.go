package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSendQueue is the default capacity of the outbound frame queue.
const DefaultSendQueue = 64

// Option configures a [Client] during construction.
type Option func(*Client)

// WithSendQueue sets the capacity of the outbound queue. Values below 1 are
// ignored.
func WithSendQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithLogger sets the logger for connection events. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// Stats is a snapshot of the client's frame counters.
type Stats struct {
	Sent     uint64
	Dropped  uint64
	Received uint64
}

// Client is the connection state machine. All exported methods are safe for
// concurrent use and may be called from inside the handlers.
type Client struct {
	dialer    Dialer
	h         Handlers
	queueSize int
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	gen     uint64 // bumped on every transition away from an open channel
	ch      Channel
	out     chan []byte
	cancel  context.CancelFunc

	sent     atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
}

// New creates a disconnected Client that opens channels with dialer.
func New(dialer Dialer, h Handlers, opts ...Option) *Client {
	c := &Client{
		dialer:    dialer,
		h:         h,
		queueSize: DefaultSendQueue,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// transition is a handler invocation collected under the lock.
type transition struct {
	from, to State
	err      error
}

// Connect dials the peer. It is a no-op while Connecting or Connected. On
// failure the client enters Error and the returned error wraps
// [ErrTransport]; no retry is attempted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = Connecting
	c.lastErr = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.fire(transition{from: from, to: Connecting})

	ch, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect ran while dialling.
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Close("connect aborted")
		}
		return fmt.Errorf("%w: connect aborted", ErrTransport)
	}
	if err != nil {
		c.state = Error
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn("transport: dial failed", "err", err)
		c.fire(transition{from: Connecting, to: Error, err: err})
		return fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte, c.queueSize)
	c.ch, c.out, c.cancel = ch, out, cancel
	c.state = Connected
	c.mu.Unlock()

	c.log.Info("transport: connected")
	c.fire(transition{from: Connecting, to: Connected})
	go c.readLoop(runCtx, gen, ch)
	go c.writeLoop(runCtx, gen, ch, out)
	return nil
}

// Disconnect closes the open channel, if any, and moves to Disconnected.
// Calling it while already Disconnected is a safe no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	ch := c.teardownLocked()
	c.state = Disconnected
	c.mu.Unlock()

	var err error
	if ch != nil {
		if cerr := ch.Close("client disconnect"); cerr != nil {
			err = fmt.Errorf("transport: close: %w", cerr)
		}
	}
	c.log.Info("transport: disconnected")
	c.fire(transition{from: from, to: Disconnected})
	return err
}

// teardownLocked invalidates the current channel and its goroutines and
// returns the channel for closing outside the lock. Must be called with c.mu
// held.
func (c *Client) teardownLocked() Channel {
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	ch := c.ch
	c.ch, c.out, c.cancel = nil, nil, nil
	return ch
}

// Send queues msg for the writer goroutine. It returns false without side
// effects when the client is not Connected, and drops msg returning false
// when the outbound queue is full. Send never blocks.
func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// LastError returns the error that moved the client into Error, or nil.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns a snapshot of the frame counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Received: c.received.Load(),
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) readLoop(ctx context.Context, gen uint64, ch Channel) {
	for {
		msg, err := ch.Read(ctx)
		if err != nil {
			c.fail(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.received.Add(1)
		if c.h.OnReceive != nil {
			c.h.OnReceive(msg)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, ch Channel, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			if err := ch.Write(ctx, msg); err != nil {
				c.fail(gen, err)
				return
			}
			c.sent.Add(1)
		}
	}
}

// fail handles an I/O error from the channel opened in generation gen. Errors
// from channels that were already torn down are ignored.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	ch := c.teardownLocked()
	t := transition{from: Connected}
	if errors.Is(err, ErrPeerClosed) {
		t.to = Disconnected
	} else {
		t.to = Error
		t.err = err
		c.lastErr = err
	}
	c.state = t.to
	c.mu.Unlock()

	if t.to == Error {
		c.log.Warn("transport: connection failed", "err", err)
	} else {
		c.log.Info("transport: peer closed connection")
	}
	_ = ch.Close("connection failed")
	c.fire(t)
}

func (c *Client) fire(t transition) {
	if c.h.OnStateChange != nil {
		c.h.OnStateChange(t.from, t.to)
	}
	switch t.to {
	case Connected:
		if c.h.OnConnect != nil {
			c.h.OnConnect()
		}
	case Disconnected:
		if c.h.OnDisconnect != nil {
			c.h.OnDisconnect()
		}
	case Error:
		if c.h.OnError != nil {
			c.h.OnError(fmt.Errorf("%w: %w", ErrTransport, t.err))
		}
	}
}
