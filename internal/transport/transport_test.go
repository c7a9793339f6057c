package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphibian-ai/amphibian/types"
)

func TestPipe_SendReceive(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("one")))
	require.NoError(t, a.Send(ctx, []byte("two")))

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))
	msg, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg), "messages arrive in order")
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close())

	_, err := b.Receive(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrTransportLost, types.GetErrorCode(err))

	err = b.Send(context.Background(), []byte("x"))
	assert.Equal(t, types.ErrTransportLost, types.GetErrorCode(err))
}

func TestPipe_SendAfterPeerCloseAlwaysFails(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close())

	// The buffer has plenty of room; the closed peer must still win
	// every time, not just when the select happens to pick it.
	for i := 0; i < 200; i++ {
		err := b.Send(context.Background(), []byte("x"))
		require.Error(t, err, "send %d succeeded into a dead pipe", i)
		assert.Equal(t, types.ErrTransportLost, types.GetErrorCode(err))
	}
}

func TestPipe_DrainsBufferedAfterPeerClose(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Send(context.Background(), []byte("last")))
	require.NoError(t, a.Close())

	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))
}

func TestPipe_ReceiveHonoursContext(t *testing.T) {
	_, b := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
}

func TestMemListener_DialAccept(t *testing.T) {
	l := NewMemListener("mem:test")
	ctx := context.Background()

	clientCh := make(chan Conn, 1)
	go func() {
		c, err := l.Dial(ctx)
		if err == nil {
			clientCh <- c
		}
	}()

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	client := <-clientCh

	require.NoError(t, client.Send(ctx, []byte("hello")))
	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	require.NoError(t, l.Close())
	_, err = l.Accept(ctx)
	assert.Equal(t, types.ErrTransportLost, types.GetErrorCode(err))
}

func TestWSListener_RoundTrip(t *testing.T) {
	l, err := ListenWS("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientCh := make(chan Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := DialWS(ctx, l.Addr())
		if err != nil {
			errCh <- err
			return
		}
		clientCh <- c
	}()

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	var client Conn
	select {
	case client = <-clientCh:
	case err := <-errCh:
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(ctx, []byte(`{"type":"HEARTBEAT"}`)))
	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HEARTBEAT"}`, string(msg))

	require.NoError(t, server.Send(ctx, []byte("pong")))
	msg, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))
}
