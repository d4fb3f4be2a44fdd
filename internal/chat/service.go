// Package chat implements the frame handlers behind the event dispatcher:
// send, typing and read. Handlers validate, filter and persist, then hand
// the resulting event to the fanout broker. Invalid frames are dropped
// silently; the protocol has no error channel back to the sender.
package chat

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborchat/chat-app/internal/conversation"
	"github.com/harborchat/chat-app/internal/metrics"
	"github.com/harborchat/chat-app/internal/protocol"
	"github.com/harborchat/chat-app/internal/store"
)

const (
	// MaxContentRunes is the upper bound on trimmed message length.
	MaxContentRunes = 1000

	// DefaultContentType is assumed when the frame omits contentType.
	DefaultContentType = "text"

	// persistTimeout bounds the persistence call per frame.
	persistTimeout = 5 * time.Second
)

// MessageStore is the persistence gateway surface the handlers use.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *store.Message) (int64, error)
	GetProfile(ctx context.Context, userID int64) (*store.Profile, error)
}

// ContentFilter masks sensitive content before persistence and broadcast.
type ContentFilter interface {
	Mask(content string) string
}

// Broker hands finished events to the fanout layer.
type Broker interface {
	Publish(ev protocol.Event) error
}

// Service holds the handler dependencies.
type Service struct {
	store  MessageStore
	filter ContentFilter
	broker Broker
}

// NewService creates the handler service.
func NewService(st MessageStore, filter ContentFilter, broker Broker) *Service {
	return &Service{store: st, filter: filter, broker: broker}
}

// HandleSend validates and persists a chat message, then publishes the
// message event. Violations drop the frame with no persistence, no event
// and no feedback to the sender.
func (s *Service) HandleSend(ctx context.Context, senderID int64, frame *protocol.SendFrame) {
	// Exactly one of receiver and group addressing.
	if (frame.ReceiverID == nil) == (frame.GroupID == nil) {
		log.Printf("chat: send from user=%d dropped: ambiguous addressing", senderID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	trimmed := strings.TrimSpace(frame.Content)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxContentRunes {
		log.Printf("chat: send from user=%d dropped: content length out of range", senderID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	contentType := frame.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	msg := &store.Message{
		SenderID:    senderID,
		ReceiverID:  frame.ReceiverID,
		GroupID:     frame.GroupID,
		Content:     s.filter.Mask(frame.Content),
		ContentType: contentType,
	}
	if frame.ReceiverID != nil {
		convID := conversation.Address(senderID, *frame.ReceiverID)
		msg.ConversationID = &convID
	}

	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	id, err := s.store.InsertMessage(persistCtx, msg)
	if err != nil {
		// The message is lost and the sender is not told; the broadcast
		// for this message is aborted but the connection stays open.
		log.Printf("chat: persist message from user=%d failed: %v", senderID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return
	}

	ev := &protocol.MessageEvent{
		ID:          strconv.FormatInt(id, 10),
		SenderID:    strconv.FormatInt(senderID, 10),
		Content:     msg.Content,
		ContentType: msg.ContentType,
	}
	if msg.ConversationID != nil {
		ev.ConversationID = strconv.FormatInt(*msg.ConversationID, 10)
	}
	if frame.ReceiverID != nil {
		ev.ReceiverID = strconv.FormatInt(*frame.ReceiverID, 10)
	}
	if frame.GroupID != nil {
		ev.GroupID = strconv.FormatInt(*frame.GroupID, 10)
		if profile, err := s.store.GetProfile(persistCtx, senderID); err != nil {
			log.Printf("chat: profile lookup for user=%d failed: %v", senderID, err)
		} else if profile != nil {
			ev.SenderName = profile.DisplayName
			ev.SenderAvatar = profile.AvatarURL
		}
	}

	if err := s.broker.Publish(ev); err != nil {
		log.Printf("chat: publish message id=%s failed: %v", ev.ID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
}

// HandleTyping publishes a typing indicator addressed by the same
// conversation id derivation as messages. Nothing is persisted.
func (s *Service) HandleTyping(_ context.Context, senderID int64, frame *protocol.TypingFrame) {
	if frame.ToUserID == 0 {
		log.Printf("chat: typing from user=%d dropped: no target", senderID)
		return
	}

	ev := &protocol.TypingEvent{
		ConversationID: strconv.FormatInt(conversation.Address(senderID, frame.ToUserID), 10),
		From:           strconv.FormatInt(senderID, 10),
		To:             strconv.FormatInt(frame.ToUserID, 10),
	}
	if err := s.broker.Publish(ev); err != nil {
		log.Printf("chat: publish typing from user=%d failed: %v", senderID, err)
	}
}

// HandleRead accepts read frames without acting on them. Read receipts are
// a reserved extension point.
func (s *Service) HandleRead(_ context.Context, _ int64, _ *protocol.ReadFrame) {
}
