// Package protocol defines the WebSocket wire format shared by the chat
// server and its clients. Inbound frames and outbound events both use a
// JSON envelope with a type discriminator and a kind-specific data record.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server frame types.
const (
	TypeSend   = "send"
	TypeTyping = "typing"
	TypeRead   = "read"
)

// Envelope holds the frame type and the raw JSON data payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SendFrame is a request to send a chat message. Exactly one of ReceiverID
// or GroupID must be set; nil means the field was absent from the frame.
type SendFrame struct {
	ReceiverID  *int64 `json:"receiverId"`
	GroupID     *int64 `json:"groupId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

// TypingFrame signals that the sender is typing to another user.
type TypingFrame struct {
	ToUserID int64 `json:"toUserId"`
}

// ReadFrame acknowledges read status. It is accepted but currently unused;
// the frame type is reserved for read receipts.
type ReadFrame struct {
	ConversationID *int64 `json:"conversationId"`
}

// ParseClientFrame parses raw WebSocket bytes into a typed client frame.
// It returns the frame type string, the decoded struct, and any error
// encountered during parsing. Unknown frame types are an error; the caller
// decides whether to drop or reject.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSend:
		var f SendFrame
		err = json.Unmarshal(env.Data, &f)
		msg = &f
	case TypeTyping:
		var f TypingFrame
		err = json.Unmarshal(env.Data, &f)
		msg = &f
	case TypeRead:
		var f ReadFrame
		err = json.Unmarshal(env.Data, &f)
		msg = &f
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q data: %w", env.Type, err)
	}
	return env.Type, msg, nil
}
