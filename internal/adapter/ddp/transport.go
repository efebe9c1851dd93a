package ddp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"anyrun/internal/domain"
)

// Transport carries whole frames over a live connection. Send may be called
// concurrently; Receive is called only by the dispatch loop.
type Transport interface {
	// Send writes one text frame.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until a frame arrives or ctx ends.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the socket. Safe to call more than once.
	Close() error
}

// defaultReadLimit bounds a single inbound frame. Task documents with full
// process trees are large.
const defaultReadLimit = 32 << 20

// WSTransport is a Transport over a WebSocket connection.
type WSTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial opens a WebSocket to endpoint. timeout bounds the handshake; zero
// means ctx alone bounds it.
func Dial(ctx context.Context, endpoint string, header http.Header, timeout time.Duration) (*WSTransport, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: http %d: %w", domain.ErrConnect, endpoint, resp.StatusCode, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w: %w", domain.ErrConnect, endpoint, domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrConnect, endpoint, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return newWSTransport(conn), nil
}

func newWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, done: make(chan struct{})}
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return fmt.Errorf("%w: %w", domain.ErrSend, domain.ErrClosed)
	default:
	}
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSend, err)
	}
	return nil
}

// Receive implements Transport. The underlying connection does not survive
// an expired ctx, so a timeout is reported as both ErrTimeout and ErrClosed.
func (t *WSTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w: %w", domain.ErrClosed, domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrClosed, err)
	}
	return data, nil
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.closeErr = err
		}
	})
	return t.closeErr
}

// SockJSEndpoint appends the SockJS server id, session token and transport
// suffix to base, e.g. wss://host/sockjs/123/abcd1234/websocket.
func SockJSEndpoint(base string) string {
	return fmt.Sprintf("%s/%03d/%s/websocket",
		strings.TrimRight(base, "/"), 100+rand.IntN(900), randomToken(8))
}
