// internal/envelope/envelope.go
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pedro-hdias/mudbroker/internal/types"
)

// Envelope encodes, decodes, validates, and rate-limits frames on a
// single bidirectional Transport. One Envelope wraps exactly one
// Transport for its lifetime.
type Envelope struct {
	transport types.Transport
	limiter   *RateLimiter
}

// New wraps transport in an Envelope enforcing the given rate limit.
func New(transport types.Transport, limiter *RateLimiter) *Envelope {
	return &Envelope{transport: transport, limiter: limiter}
}

// ReadFrame blocks for the next valid frame. It fails with ErrMalformedFrame
// on JSON/schema error, ErrOversizedFrame when the raw frame exceeds
// MaxFrameBytes, or ErrRateLimited when the transport's sustained rate is
// exceeded — in the rate-limited case the caller is expected to close the
// transport with CloseRateLimited (the Envelope itself does not close; a
// local error is just local to this read, per spec.md §7's "local to the
// transport" classification).
func (e *Envelope) ReadFrame(ctx context.Context) (*Frame, error) {
	raw, err := e.transport.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return nil, ErrMalformedFrame
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	if len(raw) > MaxFrameBytes {
		return nil, ErrOversizedFrame
	}

	if e.limiter != nil && !e.limiter.Allow() {
		return nil, ErrRateLimited
	}

	return parseFrame(raw)
}

// parseFrame decodes and validates a raw frame, promoting legacy flat
// top-level keys into payload when payload is absent (spec.md §4.1).
func parseFrame(raw []byte) (*Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedFrame
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrMalformedFrame
	}

	msgType := root.Get("type").String()
	if msgType == "" || !clientMessageTypes[msgType] {
		return nil, ErrMalformedFrame
	}

	payloadResult := root.Get("payload")
	var payload map[string]any

	if payloadResult.Exists() {
		if !payloadResult.IsObject() {
			return nil, ErrMalformedFrame
		}
		if err := json.Unmarshal([]byte(payloadResult.Raw), &payload); err != nil {
			return nil, ErrMalformedFrame
		}
	} else {
		payload = promoteLegacyFields(root)
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, ErrMalformedFrame
	}

	metaRaw := json.RawMessage("{}")
	if metaResult := root.Get("meta"); metaResult.Exists() && metaResult.IsObject() {
		metaRaw = json.RawMessage(metaResult.Raw)
	}

	return &Frame{Type: msgType, Payload: payloadRaw, Meta: metaRaw}, nil
}

// promoteLegacyFields builds a payload map out of flat top-level string
// keys, for peers that have not adopted the enveloped {type,payload,meta}
// shape. Only legacyPromotableKeys are recognized, and only string values
// are accepted, matching original_source/v2/app/ws_messages.py exactly.
func promoteLegacyFields(root gjson.Result) map[string]any {
	payload := make(map[string]any)
	for _, key := range legacyPromotableKeys {
		v := root.Get(key)
		if v.Exists() && v.Type == gjson.String {
			payload[key] = v.String()
		}
	}
	return payload
}

// WriteFrame serializes and transmits a server-bound frame, stamping
// serverTs on the meta. Fails with ErrClosed if the transport is no
// longer writable.
func (e *Envelope) WriteFrame(ctx context.Context, msgType string, payload any) error {
	meta := &Meta{ServerTs: time.Now().UnixMilli()}
	raw, err := Encode(msgType, payload, meta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := e.transport.WriteFrame(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close closes the underlying transport with a well-known code (spec.md
// §4.1/§6): 1000 normal, 1008 policy, 1011 write error, 1013 rate
// limited, 4003 owner mismatch, 4008 capacity.
func (e *Envelope) Close(code int, reason string) error {
	return e.transport.Close(code, reason)
}
