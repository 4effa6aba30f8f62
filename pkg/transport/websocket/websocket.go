// Package websocket implements [transport.Dialer] over WebSocket using
// github.com/coder/websocket. Every outbound frame is sent as one binary
// message; inbound text messages are skipped.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	ws "github.com/coder/websocket"

	"github.com/MrWong99/voicelink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*conn)(nil)
)

// DefaultReadLimit is the largest inbound message accepted, in bytes.
const DefaultReadLimit = 1 << 20

// Option configures a [Dialer].
type Option func(*Dialer)

// WithHeader adds HTTP headers to the opening handshake.
func WithHeader(h http.Header) Option {
	return func(d *Dialer) {
		d.header = h.Clone()
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithDialTimeout bounds the opening handshake. Zero means no extra bound
// beyond the caller's context.
func WithDialTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		d.dialTimeout = t
	}
}

// Dialer opens WebSocket connections to a fixed URL.
type Dialer struct {
	url         string
	header      http.Header
	readLimit   int64
	dialTimeout time.Duration
}

// New returns a Dialer for the ws:// or wss:// endpoint url.
func New(url string, opts ...Option) *Dialer {
	d := &Dialer{
		url:       url,
		readLimit: DefaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}
	c, _, err := ws.Dial(ctx, d.url, &ws.DialOptions{
		HTTPHeader: d.header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", d.url, err)
	}
	c.SetReadLimit(d.readLimit)
	return &conn{c: c}, nil
}

// conn adapts a *ws.Conn to [transport.Channel].
type conn struct {
	c *ws.Conn
}

// Read returns the next binary message. Text messages are logged and skipped.
func (c *conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.c.Read(ctx)
		if err != nil {
			return nil, wrapErr("read", err)
		}
		if typ != ws.MessageBinary {
			slog.Debug("websocket: skipping non-binary message", "type", typ.String(), "bytes", len(data))
			continue
		}
		return data, nil
	}
}

// Write sends msg as a single binary message.
func (c *conn) Write(ctx context.Context, msg []byte) error {
	if err := c.c.Write(ctx, ws.MessageBinary, msg); err != nil {
		return wrapErr("write", err)
	}
	return nil
}

// Close performs the closing handshake with a normal-closure status. A
// connection that is already closed is not an error.
func (c *conn) Close(reason string) error {
	err := c.c.Close(ws.StatusNormalClosure, reason)
	if err == nil || errors.Is(err, net.ErrClosed) || ws.CloseStatus(err) != -1 {
		return nil
	}
	return fmt.Errorf("websocket: close: %w", err)
}

// wrapErr marks errors caused by a close frame from the peer with
// [transport.ErrPeerClosed].
func wrapErr(op string, err error) error {
	if ws.CloseStatus(err) != -1 {
		return fmt.Errorf("websocket: %s: %w: %w", op, transport.ErrPeerClosed, err)
	}
	return fmt.Errorf("websocket: %s: %w", op, err)
}
