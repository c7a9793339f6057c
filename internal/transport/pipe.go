package transport

import (
	"context"
	"sync"

	"github.com/amphibian-ai/amphibian/types"
)

// pipeConn is one end of an in-memory duplex channel.
type pipeConn struct {
	send      chan []byte
	recv      chan []byte
	done      chan struct{}
	peerDone  chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two connected in-memory Conns. Messages written on one
// end arrive on the other, in order. Closing either end unblocks both.
func NewPipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &pipeConn{send: ab, recv: ba, done: aDone, peerDone: bDone, closeOnce: &sync.Once{}}
	b := &pipeConn{send: ba, recv: ab, done: bDone, peerDone: aDone, closeOnce: &sync.Once{}}
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, payload []byte) error {
	msg := make([]byte, len(payload))
	copy(msg, payload)
	// A closed end wins over buffer space, so nothing is silently written
	// into a channel no one will drain.
	select {
	case <-p.done:
		return types.NewError(types.ErrTransportLost, "pipe closed")
	case <-p.peerDone:
		return types.NewError(types.ErrTransportLost, "peer closed")
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return types.NewError(types.ErrTransportLost, "pipe closed")
	case <-p.peerDone:
		return types.NewError(types.ErrTransportLost, "peer closed")
	case <-ctx.Done():
		return types.NewError(types.ErrCancelled, "send cancelled").WithCause(ctx.Err())
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.done:
		return nil, types.NewError(types.ErrTransportLost, "pipe closed")
	case <-p.peerDone:
		// Drain messages sent before the peer closed.
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
			return nil, types.NewError(types.ErrTransportLost, "peer closed")
		}
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "receive cancelled").WithCause(ctx.Err())
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// MemListener is an in-process Listener whose Dial hands the caller the
// client half of a fresh pipe. Used by tests and single-process pools.
type MemListener struct {
	inbound  chan Conn
	done     chan struct{}
	stopOnce sync.Once
	addr     string
}

// NewMemListener creates an in-memory listener.
func NewMemListener(addr string) *MemListener {
	return &MemListener{
		inbound: make(chan Conn, 16),
		done:    make(chan struct{}),
		addr:    addr,
	}
}

// Dial connects a new client to the listener, returning the client end.
func (l *MemListener) Dial(ctx context.Context) (Conn, error) {
	server, client := NewPipe()
	select {
	case l.inbound <- server:
		return client, nil
	case <-l.done:
		return nil, types.NewError(types.ErrTransportLost, "listener closed")
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "dial cancelled").WithCause(ctx.Err())
	}
}

// Accept implements Listener.
func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.inbound:
		return conn, nil
	case <-l.done:
		return nil, types.NewError(types.ErrTransportLost, "listener closed")
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "accept cancelled").WithCause(ctx.Err())
	}
}

// Addr implements Listener.
func (l *MemListener) Addr() string { return l.addr }

// Close implements Listener.
func (l *MemListener) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}
