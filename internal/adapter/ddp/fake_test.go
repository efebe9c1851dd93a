package ddp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"anyrun/internal/domain"
	"anyrun/internal/infra/logger"
)

// fakeTransport is an in-memory Transport. Frames pushed by the test are
// returned by Receive; frames written by the client land on sent.
type fakeTransport struct {
	in        chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// sendGate, when set, holds every Send until it is closed.
	sendGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return fmt.Errorf("%w: %w", domain.ErrSend, domain.ErrClosed)
	default:
	}
	if f.sendGate != nil {
		select {
		case <-f.sendGate:
		case <-f.closed:
			return fmt.Errorf("%w: %w", domain.ErrSend, domain.ErrClosed)
		case <-ctx.Done():
			return fmt.Errorf("%w: failed to acquire lock: %w", domain.ErrSend, ctx.Err())
		}
	}
	select {
	case f.sent <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrSend, ctx.Err())
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, fmt.Errorf("%w: transport closed", domain.ErrClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrClosed, ctx.Err())
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// push delivers raw frame bytes to the client.
func (f *fakeTransport) push(frame string) {
	f.in <- []byte(frame)
}

// pushMsg wraps a message object in the inbound envelope and delivers it.
func (f *fakeTransport) pushMsg(t *testing.T, msg any) {
	t.Helper()
	inner, err := json.Marshal(msg)
	require.NoError(t, err)
	env, err := json.Marshal([]string{string(inner)})
	require.NoError(t, err)
	f.in <- append([]byte("a"), env...)
}

// next returns the next message the client sent.
func (f *fakeTransport) next(t *testing.T) *Message {
	t.Helper()
	select {
	case frame := <-f.sent:
		var env []string
		require.NoError(t, json.Unmarshal(frame, &env))
		require.Len(t, env, 1)
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(env[0]), &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// newTestConn starts a Conn over a fake transport and consumes the handshake.
func newTestConn(t *testing.T, opts Options) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	c, err := NewConn(context.Background(), ft, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	hs := ft.next(t)
	require.Equal(t, MsgConnect, hs.Msg)
	require.Equal(t, "1", hs.Version)
	require.Equal(t, []string{"1", "pre2", "pre1"}, hs.Support)
	return c, ft
}

type callResult struct {
	raw     json.RawMessage
	records []json.RawMessage
	err     error
}

func goCall(c *Conn, ctx context.Context, method string, params any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		raw, err := c.Call(ctx, method, params)
		ch <- callResult{raw: raw, err: err}
	}()
	return ch
}

func goSubscribe(c *Conn, ctx context.Context, name string, params ...any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		records, err := c.Subscribe(ctx, name, params...)
		ch <- callResult{records: records, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request to complete")
		return callResult{}
	}
}
