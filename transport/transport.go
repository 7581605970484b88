// Package transport is the boundary between the client engine and the
// message-oriented socket it talks over.
//
// The engine needs very little from a transport: connect to an endpoint, write one
// frame at a time with a "more frames follow" flag, and deliver inbound frames, in
// order, to a callback with the same flag. Frame boundaries are preserved; nothing
// else (correlation, retry, keepalive) is expected.
//
//	engine ──Send(cmd, more)──┐
//	       ──Send(id, more)───┼──→ Socket ──→ server
//	       ──Send(data, last)─┘
//
//	read loop: ←── frame, more ── FrameHandler (one frame at a time, send order)
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind selects the socket pattern.
type Kind int

const (
	Query     Kind = iota // request/reply, bidirectional
	Subscribe             // receive-only subscription
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Subscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrClosed   = errors.New("transport: socket closed")
	ErrReadOnly = errors.New("transport: subscribe sockets cannot send")
	ErrVersion  = errors.New("transport: unsupported protocol version")
)

// Endpoint is everything needed to open one socket.
type Endpoint struct {
	Kind      Kind
	Address   string // e.g. tcp://obelisk.example.org:9091
	PublicKey string // server's Z85 public key; empty means plaintext
	Version   int    // protocol version tag, passed through unchanged
}

// FrameHandler receives inbound frames. It is called from the socket's read
// loop, one frame at a time.
type FrameHandler func(frame []byte, more bool)

// Socket is an open connection.
type Socket interface {
	// Send writes one frame. more=true means further frames of the same
	// message follow. Callers serialize complete messages themselves.
	Send(frame []byte, more bool) error
	// Close stops the read loop and releases the connection. It is idempotent
	// and does not wait for a FrameHandler call in progress.
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, onFrame FrameHandler) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint, onFrame FrameHandler) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint, onFrame FrameHandler) (Socket, error) {
	return f(ctx, ep, onFrame)
}
