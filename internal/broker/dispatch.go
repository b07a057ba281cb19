// internal/broker/dispatch.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/session"
	"github.com/pedro-hdias/mudbroker/internal/types"
)

// Connection drives one transport's read loop, translating envelope
// frames into session.Manager/session.Session calls and composing the
// reply frames spec.md §4.1/§4.2 defines. One Connection exists per
// attached transport for its lifetime; at most one session is attached
// to it at a time (a second init is destructive, per spec.md §4.5).
type Connection struct {
	env     *envelope.Envelope
	manager *session.Manager
	log     *slog.Logger

	sess      *session.Session
	transport any // *session.attachedTransport, opaque outside this package's reach
}

// NewConnection wraps transport in a rate-limited Envelope and returns a
// Connection ready to Serve.
func NewConnection(transport types.Transport, limiter *envelope.RateLimiter, manager *session.Manager, log *slog.Logger) *Connection {
	return &Connection{
		env:     envelope.New(transport, limiter),
		manager: manager,
		log:     log,
	}
}

// Serve runs the read loop until the transport closes or ctx is
// cancelled. It never returns an error the caller must act on further:
// all protocol-level failures are handled by closing the transport with
// the appropriate code (spec.md §7).
func (c *Connection) Serve(ctx context.Context) {
	defer c.detach()

	for {
		frame, err := c.env.ReadFrame(ctx)
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.dispatch(ctx, frame) {
			return
		}
	}
}

func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, envelope.ErrOversizedFrame):
		c.env.WriteFrame(context.Background(), envelope.MsgError, errorPayload("oversized_frame"))
		c.env.Close(envelope.ClosePolicy, "oversized frame")
	case errors.Is(err, envelope.ErrMalformedFrame):
		c.env.WriteFrame(context.Background(), envelope.MsgError, errorPayload("malformed_frame"))
		c.env.Close(envelope.ClosePolicy, "malformed frame")
	case errors.Is(err, envelope.ErrRateLimited):
		c.env.Close(envelope.CloseRateLimited, "rate limited")
	default:
		// Transport closed or context cancelled; nothing to reply to.
	}
}

// dispatch handles one decoded frame, returning false when the
// connection must stop serving (an init answered with session_invalid,
// for an owner mismatch or a capacity refusal). An init that
// destructively replaces the prior attachment keeps the connection
// serving.
func (c *Connection) dispatch(ctx context.Context, frame *envelope.Frame) bool {
	switch frame.Type {
	case envelope.MsgInit:
		return c.handleInit(frame)
	case envelope.MsgConnect:
		c.handleConnect(ctx)
	case envelope.MsgDisconnect:
		c.handleDisconnect()
	case envelope.MsgCommand:
		c.handleCommand(ctx, frame)
	case envelope.MsgLogin:
		c.handleLogin(ctx, frame)
	}
	return true
}

type initPayload struct {
	PublicID string `json:"publicId"`
	Owner    string `json:"owner"`
}

// handleInit implements the Session Manager's attach() (spec.md §4.2). A
// second init on an already-attached Connection is destructive: the prior
// attachment is detached before the new one is established.
func (c *Connection) handleInit(frame *envelope.Frame) bool {
	var p initPayload
	_ = json.Unmarshal(frame.Payload, &p)

	if c.sess != nil {
		c.detach()
	}

	result := c.manager.Attach(c.env, types.PublicID(p.PublicID), types.Owner(p.Owner))

	switch result.Status {
	case session.AttachOwnerInvalid:
		c.env.WriteFrame(context.Background(), envelope.MsgSessionInvalid, map[string]string{
			"reason": "owner_mismatch",
		})
		c.env.Close(envelope.CloseOwnerMismatch, "owner mismatch")
		return false

	case session.AttachAtCapacity:
		c.env.WriteFrame(context.Background(), envelope.MsgSessionInvalid, map[string]string{
			"reason": "capacity",
		})
		c.env.Close(envelope.CloseMaxSessions, "session capacity reached")
		return false
	}

	c.sess = result.Session
	c.transport = result.Transport

	c.env.WriteFrame(context.Background(), envelope.MsgInitOK, map[string]any{
		"publicId":   string(result.Session.PublicID()),
		"owner":      string(result.Session.Owner()),
		"status":     string(result.Status),
		"hasHistory": result.HasHistory,
	})

	if result.Status == session.AttachRecovered {
		c.env.WriteFrame(context.Background(), envelope.MsgHistory, map[string]string{
			"content": result.HistoryContent,
		})
		c.env.WriteFrame(context.Background(), envelope.MsgState, map[string]string{
			"value": string(result.State),
		})
	}
	return true
}

func (c *Connection) handleConnect(ctx context.Context) {
	if c.sess == nil {
		return
	}
	go func() {
		if err := c.sess.RequestConnect(ctx); err != nil {
			c.log.Debug("request_connect failed", "error", err)
		}
	}()
}

func (c *Connection) handleDisconnect() {
	if c.sess == nil {
		return
	}
	if err := c.sess.RequestDisconnect(); err != nil {
		c.log.Warn("request_disconnect failed", "error", err)
	}
}

type commandPayload struct {
	Value string `json:"value"`
}

func (c *Connection) handleCommand(ctx context.Context, frame *envelope.Frame) {
	if c.sess == nil {
		return
	}
	var p commandPayload
	_ = json.Unmarshal(frame.Payload, &p)

	if err := c.sess.SubmitCommand(ctx, p.Value); err != nil {
		c.env.WriteFrame(ctx, envelope.MsgError, errorPayload("queue_full"))
	}
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Connection) handleLogin(ctx context.Context, frame *envelope.Frame) {
	if c.sess == nil {
		return
	}
	var p loginPayload
	_ = json.Unmarshal(frame.Payload, &p)

	if err := c.sess.SubmitLogin(ctx, p.Username, p.Password); err != nil {
		c.env.WriteFrame(ctx, envelope.MsgError, errorPayload("queue_full"))
	}
}

func (c *Connection) detach() {
	if c.sess == nil {
		return
	}
	c.manager.DetachTransport(c.sess, c.transport)
	c.sess = nil
	c.transport = nil
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
