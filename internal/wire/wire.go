// Package wire defines the JSON frame protocol spoken over the torb
// realtime websocket. Every frame is a JSON object tagged by a "type"
// field; the payload shape depends on the tag.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame kinds carried in the "type" field.
const (
	KindPresence  = "presence"
	KindChat      = "chat"
	KindDM        = "dm"
	KindDMReceipt = "dm_receipt"
	KindError     = "error"
)

// Close codes after which the client must not reconnect.
const (
	ClosePolicyViolation   = 1008
	CloseInternalServerErr = 1011
)

// IsTerminalClose reports whether a websocket close code ends the
// session for good.
func IsTerminalClose(code int) bool {
	return code == ClosePolicyViolation || code == CloseInternalServerErr
}

// PresenceEntry is one user in a roster snapshot. TrackID is nil when
// the user is not listening to anything.
type PresenceEntry struct {
	Username string  `json:"username"`
	TrackID  *string `json:"track_id"`
	Online   bool    `json:"online"`
}

// Message is a chat message in any channel. IDs are server-assigned and
// unique within a channel. Target is empty for global chat; for direct
// messages it names the conversation's other end as seen by the sender.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target,omitempty"`
	FromUser  string    `json:"from_user,omitempty"`
}

// ServerError is the payload of an "error" frame.
type ServerError struct {
	Message string `json:"message"`
}

// Inbound is one decoded frame. Exactly one of Users, Msg, Err is set,
// according to Kind.
type Inbound struct {
	Kind  string
	Users []PresenceEntry
	Msg   *Message
	Err   *ServerError
}

// Outbound is a client-to-server frame. To is only set for direct
// messages.
type Outbound struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

type envelope struct {
	Type    string          `json:"type"`
	Users   []PresenceEntry `json:"users"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one inbound frame. Unknown kinds and malformed payloads
// are errors; the caller decides whether to drop or escalate.
func Decode(data []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	in := &Inbound{Kind: env.Type}
	switch env.Type {
	case KindPresence:
		in.Users = env.Users
	case KindChat, KindDM, KindDMReceipt:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		in.Msg = &msg
	case KindError:
		var serr ServerError
		if err := json.Unmarshal(env.Payload, &serr); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		in.Err = &serr
	default:
		return nil, fmt.Errorf("unknown frame kind %q", env.Type)
	}
	return in, nil
}

// EncodeChat builds an outbound global chat frame.
func EncodeChat(content string) ([]byte, error) {
	return json.Marshal(Outbound{Type: KindChat, Content: content})
}

// EncodeDM builds an outbound direct message frame.
func EncodeDM(to, content string) ([]byte, error) {
	return json.Marshal(Outbound{Type: KindDM, To: to, Content: content})
}
