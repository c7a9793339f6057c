package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/internal/tlsutil"
	"github.com/amphibian-ai/amphibian/types"
)

// poolPath is the HTTP path workers dial to join a pool.
const poolPath = "/pool"

// WSConn adapts a WebSocket connection to Conn. Writes are serialized
// behind a mutex because WebSocket does not support concurrent writes.
type WSConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Send implements Conn.
func (w *WSConn) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return types.NewError(types.ErrTransportLost, "connection closed")
	}
	if err := w.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return types.NewError(types.ErrTransportLost, "websocket write").WithCause(err)
	}
	return nil
}

// Receive implements Conn.
func (w *WSConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrTransportLost, "websocket read").WithCause(err)
	}
	return data, nil
}

// Close implements Conn.
func (w *WSConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, "closing")
}

// WSListener serves WebSocket upgrades on a TCP address and hands the
// resulting connections to Accept.
type WSListener struct {
	server   *http.Server
	addr     string
	inbound  chan Conn
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// ListenWS binds addr and starts serving WebSocket upgrades at /pool.
func ListenWS(addr string, logger *zap.Logger) (*WSListener, error) {
	return listenWS(addr, nil, logger)
}

// ListenWSTLS is ListenWS over TLS, for pools crossing untrusted
// networks. The cert and key files follow the usual PEM layout.
func ListenWSTLS(addr, certFile, keyFile string, logger *zap.Logger) (*WSListener, error) {
	tlsCfg, err := tlsutil.ServerConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return listenWS(addr, tlsCfg, logger)
}

func listenWS(addr string, tlsCfg *tls.Config, logger *zap.Logger) (*WSListener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, types.NewError(types.ErrTransportLost, "bind listener").WithCause(err)
	}
	if tlsCfg != nil {
		tcp = tls.NewListener(tcp, tlsCfg)
	}

	l := &WSListener{
		addr:    tcp.Addr().String(),
		inbound: make(chan Conn, 16),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "ws_listener")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(poolPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket accept failed", zap.Error(err))
			return
		}
		select {
		case l.inbound <- NewWSConn(conn):
		case <-l.done:
			conn.Close(websocket.StatusGoingAway, "listener closed")
		}
	})

	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.server.Serve(tcp); err != nil && err != http.ErrServerClosed {
			l.logger.Warn("listener stopped", zap.Error(err))
		}
	}()
	return l, nil
}

// Accept implements Listener.
func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
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
func (l *WSListener) Addr() string { return l.addr }

// Close implements Listener.
func (l *WSListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

// DialWS opens a WebSocket connection to a coordinator at host:port.
func DialWS(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s%s", addr, poolPath)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, types.NewError(types.ErrTransportLost, "websocket dial").WithCause(err)
	}
	return NewWSConn(conn), nil
}

// DialWSS is DialWS over TLS, matching ListenWSTLS on the host side.
func DialWSS(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("wss://%s%s", addr, poolPath)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: tlsutil.SecureTransport()},
	})
	if err != nil {
		return nil, types.NewError(types.ErrTransportLost, "websocket dial").WithCause(err)
	}
	return NewWSConn(conn), nil
}
