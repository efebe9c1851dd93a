package ddp

import (
	"context"
	"errors"
	"fmt"

	"anyrun/internal/domain"
)

// dispatchLoop is the only reader of the transport. It routes every frame to
// the waiter it belongs to and, when the connection ends, abandons whatever
// is still pending.
func (c *Conn) dispatchLoop() {
	defer close(c.loopDone)
	for {
		frame, err := c.receive()
		if err != nil {
			if c.ctx.Err() != nil || c.closing.Load() {
				// Closed locally, or already failed by handleFrame.
				c.registry.AbandonAll(fmt.Errorf("%w: closed by client", domain.ErrClosed))
				return
			}
			if !errors.Is(err, domain.ErrClosed) {
				err = fmt.Errorf("%w: %w", domain.ErrClosed, err)
			}
			c.fail(err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) receive() ([]byte, error) {
	ctx := c.ctx
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	return c.transport.Receive(ctx)
}

// handleFrame classifies one inbound frame.
func (c *Conn) handleFrame(frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		c.logger.Debug("discarding frame", "error", err, "size", len(frame))
		return
	}

	if msg.Msg == MsgError || msg.HasError() {
		c.handleError(msg)
		return
	}

	switch msg.Msg {
	case MsgResult:
		c.registry.Resolve(msg.ID, msg.Result)
	case MsgAdded:
		c.registry.AppendToSubscription(msg.Collection, msg.Fields)
	case MsgReady:
		for _, id := range msg.Subs {
			c.registry.MarkReady(id)
		}
	case MsgNoSub:
		// A subscription the server refused or stopped without an error
		// payload still has to release its caller.
		c.registry.Reject(msg.ID, &domain.RemoteError{Reason: "subscription stopped by server"})
	case MsgPing:
		c.pong(msg.ID)
	case MsgFailed:
		c.fail(fmt.Errorf("%w: server rejected protocol version (suggested %q)", domain.ErrProtocol, msg.Version))
	case MsgConnected:
		c.logger.Debug("ddp handshake acknowledged", "session", msg.Session)
	default:
		c.logger.Debug("ignoring message", "msg", msg.Msg)
	}
}

// handleError rejects the request an error frame names. An error that names
// no request is fatal to the connection.
func (c *Conn) handleError(msg *Message) {
	if id := msg.RequestID(); id != "" {
		c.registry.Reject(id, msg.RemoteError())
		return
	}

	reason := msg.Reason
	if reason == "" {
		reason = msg.RemoteError().Error()
	}
	if present(msg.OffendingMessage) {
		c.fail(fmt.Errorf("%w: %s, offendingMessage=%s", domain.ErrProtocol, reason, msg.OffendingMessage))
		return
	}
	c.fail(fmt.Errorf("%w: %s", domain.ErrProtocol, reason))
}

func (c *Conn) pong(id string) {
	if err := c.send(c.ctx, &Message{Msg: MsgPong, ID: id}); err != nil {
		c.logger.Debug("pong failed", "error", err)
	}
}
