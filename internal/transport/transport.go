// Package transport provides the message-framed channel the pool runs on:
// an abstract connection/listener pair, a WebSocket implementation for
// real peers, and an in-memory pipe for tests. Payloads are opaque bytes;
// framing and dispatch live in the pool package.
package transport

import "context"

// Conn is an ordered, message-framed, bidirectional channel. Send and
// Receive are safe for one concurrent caller each.
type Conn interface {
	// Send transmits one message.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for the next message.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down; pending calls unblock with an error.
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks for the next inbound connection.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the bound address.
	Addr() string
	// Close stops accepting and releases the socket.
	Close() error
}

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (Conn, error)
