package protocol

import (
	"encoding/json"
	"fmt"
)

// Event kinds. The set is closed: every outbound event maps to exactly one
// of these and DecodeEvent rejects anything else.
const (
	KindMessage       = "message"
	KindTyping        = "typing"
	KindRead          = "read"
	KindFriendRequest = "friend_request"
	KindOnlineCount   = "online_count"
)

// Event is an immutable, typed description of something to deliver to
// connected clients. Concrete types are the *Event structs below, one per
// kind. Numeric identifiers are carried as decimal strings so that clients
// with floating-point number types do not lose precision.
type Event interface {
	Kind() string
}

// MessageEvent carries a persisted chat message. ConversationID and
// ReceiverID are set for peer-to-peer messages; GroupID, SenderName and
// SenderAvatar are set for group messages.
type MessageEvent struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	ContentType    string `json:"contentType"`
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	SenderAvatar   string `json:"senderAvatar,omitempty"`
}

// TypingEvent tells the addressed user that the sender is typing.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
	To             string `json:"to"`
}

// ReadEvent is reserved for read receipts. No handler emits it today.
type ReadEvent struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from"`
}

// FriendRequestEvent notifies the receiver of an incoming friend request.
type FriendRequestEvent struct {
	ReceiverID  string `json:"receiverId"`
	RequesterID string `json:"requesterId"`
	RequestID   string `json:"requestId"`
	Account     string `json:"account"`
	DisplayName string `json:"displayName"`
}

// OnlineCountEvent broadcasts the current connection count. The count is a
// plain integer, not a string.
type OnlineCountEvent struct {
	Count int `json:"count"`
}

func (*MessageEvent) Kind() string       { return KindMessage }
func (*TypingEvent) Kind() string        { return KindTyping }
func (*ReadEvent) Kind() string          { return KindRead }
func (*FriendRequestEvent) Kind() string { return KindFriendRequest }
func (*OnlineCountEvent) Kind() string   { return KindOnlineCount }

// EncodeEvent serializes an event into its outbound wire frame
// {"type": <kind>, "data": {...}}. A marshal failure is fatal to the
// publish that requested it and is returned to the caller.
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q event: %w", e.Kind(), err)
	}
	out, err := json.Marshal(Envelope{Type: e.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", e.Kind(), err)
	}
	return out, nil
}

// DecodeEvent parses an outbound wire frame back into its typed event.
// It is the single deserialization point for events arriving over the
// broadcast bus.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case KindMessage:
		var e MessageEvent
		err = json.Unmarshal(env.Data, &e)
		ev = &e
	case KindTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Data, &e)
		ev = &e
	case KindRead:
		var e ReadEvent
		err = json.Unmarshal(env.Data, &e)
		ev = &e
	case KindFriendRequest:
		var e FriendRequestEvent
		err = json.Unmarshal(env.Data, &e)
		ev = &e
	case KindOnlineCount:
		var e OnlineCountEvent
		err = json.Unmarshal(env.Data, &e)
		ev = &e
	default:
		return nil, fmt.Errorf("protocol: unknown event kind: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q event: %w", env.Type, err)
	}
	return ev, nil
}
