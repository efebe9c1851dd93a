package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"anyrun/internal/domain"
	"anyrun/internal/infra/tracer"
)

// Default connection settings.
const (
	defaultDialTimeout = 30 * time.Second
	defaultSendTimeout = 10 * time.Second
)

// Options configures a connection.
type Options struct {
	// Endpoint is the full WebSocket URL (see SockJSEndpoint).
	Endpoint string
	// Header is sent with the upgrade request (User-Agent, Origin).
	Header http.Header

	DialTimeout time.Duration
	// ReadTimeout bounds the wait for any inbound frame, heartbeats
	// included. Zero disables it.
	ReadTimeout time.Duration
	SendTimeout time.Duration

	// RequestsPerSecond throttles outbound calls and subscriptions.
	// Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// Conn is one live session with the service. It is safe for concurrent use.
type Conn struct {
	transport Transport
	registry  *Registry
	ids       idAllocator
	limiter   *rate.Limiter
	logger    *slog.Logger

	readTimeout time.Duration
	sendTimeout time.Duration

	ctx       context.Context // lives until Close or connection loss
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
}

// Connect dials opts.Endpoint and starts a session on it.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	t, err := Dial(ctx, opts.Endpoint, opts.Header, dialTimeout)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(ctx, t, opts)
	if err != nil {
		t.Close()
		return nil, err
	}
	return c, nil
}

// NewConn starts a session over an already connected transport: it launches
// the dispatch loop and sends the connect handshake. The Conn owns t from
// here on and closes it on Close or connection loss.
func NewConn(ctx context.Context, t Transport, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := newConnID()
	logger = logger.With("conn_id", id)

	sendTimeout := opts.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = defaultSendTimeout
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		transport:   t,
		registry:    NewRegistry(logger),
		limiter:     limiter,
		logger:      logger,
		readTimeout: opts.ReadTimeout,
		sendTimeout: sendTimeout,
		ctx:         loopCtx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
	}
	go c.dispatchLoop()

	if err := c.send(ctx, &Message{
		Msg:     MsgConnect,
		Version: protocolVersion,
		Support: supportedVersions,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: handshake: %w", domain.ErrConnect, err)
	}
	logger.Debug("ddp session started")
	return c, nil
}

func newConnID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// Err returns the error that ended the connection, or nil while it is usable.
func (c *Conn) Err() error { return c.registry.Err() }

// Close ends the session, failing every pending request with
// domain.ErrClosed. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.registry.AbandonAll(fmt.Errorf("%w: closed by client", domain.ErrClosed))
		// The socket must close before the loop's read is cancelled, or the
		// close frame never goes out.
		err = c.transport.Close()
		c.cancel()
		<-c.loopDone
		c.logger.Debug("ddp session closed")
	})
	return err
}

// Call invokes a remote method and waits for its result. params is sent as
// the single positional argument; nil sends no arguments.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "ddp.call",
		trace.WithAttributes(tracer.StringAttr("ddp.method", method)))
	defer span.End()

	out, err := c.invoke(ctx, method, params, MethodWaiter())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	tracer.SetOK(span)
	return out.Result, nil
}

// CallFirstRecord invokes a remote method whose answer is published as the
// first record added to the method's bound collection.
func (c *Conn) CallFirstRecord(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "ddp.call",
		trace.WithAttributes(tracer.StringAttr("ddp.method", method)))
	defer span.End()

	out, err := c.invoke(ctx, method, params, FirstRecordWaiter(CollectionFor(method)))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	tracer.SetOK(span)
	return out.Result, nil
}

// Subscribe starts a subscription and waits until the server marks it
// ready, returning every record added to its bound collection in arrival
// order.
func (c *Conn) Subscribe(ctx context.Context, name string, params ...any) ([]json.RawMessage, error) {
	collection := CollectionFor(name)
	ctx, span := tracer.StartSpan(ctx, "ddp.subscribe",
		trace.WithAttributes(
			tracer.StringAttr("ddp.subscription", name),
			tracer.StringAttr("ddp.collection", collection),
		))
	defer span.End()

	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", name, domain.ErrInvalidInput, err)
	}

	id := c.ids.subscriptionID()
	out, sent, err := c.roundTrip(ctx, SubscriptionWaiter(collection), &Message{
		Msg:    MsgSub,
		Name:   name,
		Params: raw,
		ID:     id,
	})
	// A ready or abandoned subscription keeps publishing into its collection
	// until it is stopped.
	if sent && (err == nil || errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrCanceled)) {
		c.unsubscribe(id)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	span.SetAttributes(tracer.IntAttr("ddp.records", len(out.Records)))
	tracer.SetOK(span)
	return out.Records, nil
}

func (c *Conn) invoke(ctx context.Context, method string, params any, kind WaiterKind) (Outcome, error) {
	args := []any{}
	if params != nil {
		args = append(args, params)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	out, _, err := c.roundTrip(ctx, kind, &Message{
		Msg:    MsgMethod,
		Method: method,
		Params: raw,
		ID:     c.ids.methodID(),
	})
	return out, err
}

// unsubscribe stops subscription id on the server. It is best effort: a
// dead connection has no subscriptions left to stop.
func (c *Conn) unsubscribe(id string) {
	if c.Err() != nil {
		return
	}
	if err := c.send(c.ctx, &Message{Msg: MsgUnsub, ID: id}); err != nil {
		c.logger.Debug("unsub failed", "id", id, "error", err)
	}
}

// roundTrip registers a waiter for msg.ID, sends msg and blocks until the
// dispatch loop resolves the waiter or ctx ends. sent reports whether msg
// reached the transport.
func (c *Conn) roundTrip(ctx context.Context, kind WaiterKind, msg *Message) (out Outcome, sent bool, err error) {
	if err := c.Err(); err != nil {
		return Outcome{}, false, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Wait also fails early when the deadline cannot be met.
			if errors.Is(ctx.Err(), context.Canceled) {
				return Outcome{}, false, fmt.Errorf("%w: %w", domain.ErrCanceled, err)
			}
			return Outcome{}, false, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
	}

	w, err := c.registry.Register(msg.ID, kind)
	if err != nil {
		return Outcome{}, false, err
	}
	if err := c.send(ctx, msg); err != nil {
		c.registry.Remove(msg.ID)
		if ctx.Err() != nil {
			// The caller's deadline, not the socket, cut the write short.
			c.logger.Debug("send abandoned by caller", "id", msg.ID, "error", err)
			return Outcome{}, false, contextError(ctx, ctx.Err())
		}
		return Outcome{}, false, err
	}

	select {
	case out := <-w.Done():
		return out, true, out.Err
	case <-ctx.Done():
		if !c.registry.Remove(msg.ID) {
			// Resolved concurrently; the outcome is already buffered.
			out := <-w.Done()
			return out, true, out.Err
		}
		c.logger.Debug("request abandoned by caller", "id", msg.ID, "error", ctx.Err())
		return Outcome{}, true, contextError(ctx, ctx.Err())
	}
}

func (c *Conn) send(ctx context.Context, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := c.transport.Send(sendCtx, frame); err != nil {
		return err
	}
	return nil
}

// fail tears the connection down after a connection-fatal error.
func (c *Conn) fail(err error) {
	n := c.registry.AbandonAll(err)
	c.logger.Error("ddp connection failed", "error", err, "abandoned", n)
	c.cancel()
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("transport close", "error", cerr)
	}
}

// contextError maps a context failure onto the domain taxonomy.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrCanceled, err)
}
