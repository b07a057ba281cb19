// internal/envelope/messages.go
package envelope

import "encoding/json"

// Frame is the on-wire envelope shape (spec.md §3/§4.1): a fixed
// {type, payload, meta} triple, UTF-8 JSON, max 64 KiB raw.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// MaxFrameBytes is the largest raw frame the Envelope will decode.
const MaxFrameBytes = 64 * 1024

// Client message types (spec.md §4.1).
const (
	MsgInit       = "init"
	MsgConnect    = "connect"
	MsgDisconnect = "disconnect"
	MsgCommand    = "command"
	MsgLogin      = "login"
)

// Server message types (spec.md §4.1).
const (
	MsgInitOK         = "init_ok"
	MsgSessionInvalid = "session_invalid"
	MsgState          = "state"
	MsgHistory        = "history"
	MsgLine           = "line"
	MsgSystem         = "system"
	MsgSound          = "sound"
	MsgError          = "error"
)

// clientMessageTypes is the fixed, valid set of types a peer may send.
var clientMessageTypes = map[string]bool{
	MsgInit:       true,
	MsgConnect:    true,
	MsgDisconnect: true,
	MsgCommand:    true,
	MsgLogin:      true,
}

// legacyPromotableKeys are the flat top-level keys parse() promotes into
// payload for peers that have not adopted the enveloped shape. Listed
// verbatim from original_source/v2/app/ws_messages.py's
// _VALID_CLIENT_MESSAGE_TYPES/promotion list.
var legacyPromotableKeys = []string{
	"publicId", "owner", "value", "content", "message", "username", "password", "reason",
}

// Meta carries the optional clientTs/client fields a peer may attach, plus
// the serverTs the broker stamps on outbound frames.
type Meta struct {
	ClientTs int64  `json:"clientTs,omitempty"`
	Client   string `json:"client,omitempty"`
	ServerTs int64  `json:"serverTs,omitempty"`
}

// Encode marshals a server-bound frame {type, payload, meta}.
func Encode(msgType string, payload any, meta *Meta) ([]byte, error) {
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f := Frame{Type: msgType, Payload: payloadRaw}
	if meta != nil {
		metaRaw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		f.Meta = metaRaw
	}
	return json.Marshal(f)
}
