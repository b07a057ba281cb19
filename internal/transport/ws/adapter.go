// internal/transport/ws/adapter.go
package ws

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
)

// Adapter wraps a live *websocket.Conn into the broker's types.Transport
// interface, the one concrete handoff point for the out-of-scope HTTP
// upgrade shell (spec.md §1/§6): a caller that has already accepted an
// upgrade just constructs an Adapter and hands it to the broker.
type Adapter struct {
	conn *websocket.Conn
}

// New wraps conn. The caller retains ownership of the upgrade handshake;
// the Adapter owns the connection from this point on.
func New(conn *websocket.Conn) *Adapter {
	return &Adapter{conn: conn}
}

// ReadFrame reads the next text message. Binary frames are rejected as
// malformed: the envelope protocol is UTF-8 JSON only (spec.md §6).
func (a *Adapter) ReadFrame(ctx context.Context) ([]byte, error) {
	msgType, data, err := a.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, envelope.ErrMalformedFrame
	}
	return data, nil
}

// WriteFrame sends raw as a text message.
func (a *Adapter) WriteFrame(ctx context.Context, raw []byte) error {
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close sends a websocket close frame carrying code and reason, then
// closes the underlying connection.
func (a *Adapter) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(normalizeCloseCode(code), reason)
	_ = a.conn.WriteMessage(websocket.CloseMessage, msg)
	return a.conn.Close()
}

// normalizeCloseCode maps the broker's close codes onto the subset the
// websocket protocol (RFC 6455 §7.4) allows on the wire: codes below
// 3000 must be one of the standard reserved values, so application codes
// like 4003/4008 pass through unchanged (they're already in the
// private-use range) while anything else unrecognized falls back to
// a normal closure.
func normalizeCloseCode(code int) int {
	switch {
	case code >= 3000 && code < 5000:
		return code
	case code == websocket.CloseNormalClosure,
		code == websocket.CloseGoingAway,
		code == websocket.CloseProtocolError,
		code == websocket.CloseInternalServerErr,
		code == websocket.ClosePolicyViolation,
		code == websocket.CloseTryAgainLater:
		return code
	default:
		return websocket.CloseNormalClosure
	}
}
