package websocket

import (
	"context"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// EchoHandler is an http.Handler that accepts WebSocket connections and
// writes every binary message straight back to the sender. It is the peer
// used by cmd/echopeer for local loopback testing.
type EchoHandler struct {
	// Log receives connection events. Nil means [slog.Default].
	Log *slog.Logger

	// ReadLimit caps inbound message size. Zero means [DefaultReadLimit].
	ReadLimit int64

	// Transform, if non-nil, is applied to each message before it is echoed.
	Transform func([]byte) []byte
}

// ServeHTTP implements http.Handler.
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	c, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn("echo: accept", "err", err)
		return
	}
	defer c.CloseNow()

	limit := h.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)

	log.Info("echo: peer connected", "remote", r.RemoteAddr)
	err = h.loop(r.Context(), c)
	if ws.CloseStatus(err) != -1 {
		log.Info("echo: peer disconnected", "remote", r.RemoteAddr, "status", ws.CloseStatus(err).String())
		return
	}
	log.Warn("echo: connection ended", "remote", r.RemoteAddr, "err", err)
}

func (h *EchoHandler) loop(ctx context.Context, c *ws.Conn) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if typ != ws.MessageBinary {
			continue
		}
		if h.Transform != nil {
			data = h.Transform(data)
		}
		if err := c.Write(ctx, ws.MessageBinary, data); err != nil {
			return err
		}
	}
}
