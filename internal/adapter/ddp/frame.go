// Package ddp is a client for the publish/subscribe-plus-RPC protocol spoken
// by the sandbox service over a single SockJS-framed WebSocket.
//
// One Conn owns one socket. A single dispatch goroutine reads every inbound
// frame and routes it through a Registry of pending requests, so any number
// of Call and Subscribe invocations can be in flight on the same connection.
package ddp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"anyrun/internal/domain"
)

// Message discriminators.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNoSub     = "nosub"
	MsgAdded     = "added"
	MsgReady     = "ready"
	MsgError     = "error"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// Protocol version negotiated in the handshake.
const protocolVersion = "1"

var supportedVersions = []string{"1", "pre2", "pre1"}

// Message is the logical message carried inside a frame. Only the fields
// relevant to the message's Msg discriminator are set.
type Message struct {
	Msg              string          `json:"msg"`
	ID               string          `json:"id,omitempty"`
	Method           string          `json:"method,omitempty"`
	Name             string          `json:"name,omitempty"`
	Params           json.RawMessage `json:"params,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	Collection       string          `json:"collection,omitempty"`
	Fields           json.RawMessage `json:"fields,omitempty"`
	Subs             []string        `json:"subs,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	OffendingMessage json.RawMessage `json:"offendingMessage,omitempty"`
	Version          string          `json:"version,omitempty"`
	Support          []string        `json:"support,omitempty"`
	Session          string          `json:"session,omitempty"`
}

// HasError reports whether the message carries a non-null error payload.
func (m *Message) HasError() bool {
	return present(m.Error)
}

// RequestID returns the id of the request this message refers to: its own id,
// or for a top-level error frame the id of the offending message.
func (m *Message) RequestID() string {
	if m.ID != "" {
		return m.ID
	}
	if !present(m.OffendingMessage) {
		return ""
	}
	var offending struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(m.OffendingMessage, &offending); err != nil {
		return ""
	}
	return scalarString(offending.ID)
}

// remoteErrorPayload is the error object attached to a result or error frame.
type remoteErrorPayload struct {
	Error   json.RawMessage `json:"error"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
}

// RemoteError builds the request-scoped error for an error-carrying message.
func (m *Message) RemoteError() *domain.RemoteError {
	re := &domain.RemoteError{Reason: m.Reason}
	if !present(m.Error) {
		return re
	}
	var p remoteErrorPayload
	if err := json.Unmarshal(m.Error, &p); err != nil {
		// Some servers send a bare string or number.
		re.Code = scalarString(m.Error)
		return re
	}
	re.Code = scalarString(p.Error)
	if p.Reason != "" {
		re.Reason = p.Reason
	}
	re.Message = p.Message
	return re
}

// Encode wraps a logical message in the outbound envelope: a JSON array
// holding the message's JSON text as its only string element.
func Encode(msg *Message) ([]byte, error) {
	inner, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Msg, err)
	}
	frame, err := json.Marshal([]string{string(inner)})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msg.Msg, err)
	}
	return frame, nil
}

// Decode reverses the inbound envelope: one throwaway framing byte, a JSON
// array of exactly one string, and that string's JSON object. Transport
// control frames (open, heartbeat, close) fail with an error wrapping
// domain.ErrDecode.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", domain.ErrDecode, len(frame))
	}
	var envelope []string
	if err := json.Unmarshal(frame[1:], &envelope); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", domain.ErrDecode, err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("%w: envelope holds %d elements, want 1", domain.ErrDecode, len(envelope))
	}
	var msg Message
	if err := json.Unmarshal([]byte(envelope[0]), &msg); err != nil {
		return nil, fmt.Errorf("%w: message: %v", domain.ErrDecode, err)
	}
	if msg.Msg == "" && !msg.HasError() {
		return nil, fmt.Errorf("%w: message has no msg field", domain.ErrDecode)
	}
	return &msg, nil
}

// present reports whether raw holds a JSON value other than null.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// scalarString renders a JSON string or number as a Go string.
func scalarString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return string(bytes.TrimSpace(raw))
}
