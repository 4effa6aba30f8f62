// Package transport maintains the duplex connection to the remote voice peer.
//
// A [Client] is a small state machine (Disconnected, Connecting, Connected,
// Error) over a [Dialer]-provided [Channel]. Outbound frames go through a
// bounded queue drained by a writer goroutine, so [Client.Send] never blocks;
// a full queue drops the frame. Inbound messages are delivered verbatim and in
// receipt order to the OnReceive handler from a single reader goroutine.
//
// No operation retries. A failed dial or a broken connection leaves the
// client in the Error state until the caller decides to connect again.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrTransport wraps every connection open or I/O failure.
	ErrTransport = errors.New("transport: connection failed")

	// ErrSendRejected describes a frame refused by Send because the client is
	// not connected or the outbound queue is full. Send reports this as false;
	// callers attach the sentinel when logging the drop.
	ErrSendRejected = errors.New("transport: send rejected")

	// ErrPeerClosed is wrapped by Channel implementations when the remote peer
	// closed the connection in an orderly way.
	ErrPeerClosed = errors.New("transport: closed by peer")
)

// State is the connection state of a [Client].
type State int

const (
	// Disconnected is the initial state and the state after Disconnect or an
	// orderly close by the peer.
	Disconnected State = iota

	// Connecting means a dial is in progress.
	Connecting

	// Connected means the channel is open and frames flow both ways.
	Connected

	// Error means the last dial or the open channel failed. The message is
	// available from [Client.LastError].
	Error
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Channel is an open duplex message connection. Each message is one opaque
// byte buffer.
//
// Read and Write are each called from a single goroutine, but concurrently
// with each other and with Close.
type Channel interface {
	// Read blocks until the next binary message arrives. An orderly close by
	// the peer returns an error wrapping [ErrPeerClosed].
	Read(ctx context.Context) ([]byte, error)

	// Write sends one binary message.
	Write(ctx context.Context, msg []byte) error

	// Close closes the connection with a human-readable reason. Pending Read
	// and Write calls return errors.
	Close(reason string) error
}

// Dialer opens Channels to the configured endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Handlers are the callbacks a [Client] invokes. Every field is optional.
// Handlers run without the client's lock held and may call back into the
// client, including Disconnect.
type Handlers struct {
	// OnConnect fires after each transition to Connected.
	OnConnect func()

	// OnDisconnect fires once per transition into Disconnected.
	OnDisconnect func()

	// OnReceive is called with every inbound message in receipt order.
	OnReceive func(msg []byte)

	// OnStateChange fires for every state transition.
	OnStateChange func(from, to State)

	// OnError fires when the client enters the Error state.
	OnError func(err error)
}
