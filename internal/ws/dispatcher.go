package ws

import (
	"context"
	"log"

	"github.com/harborchat/chat-app/internal/protocol"
)

// Handler is the callback signature for a parsed client frame. The frame
// parameter is the concrete struct returned by protocol.ParseClientFrame
// (e.g. *protocol.SendFrame, *protocol.TypingFrame).
type Handler func(ctx context.Context, conn *Connection, frame interface{})

// Dispatcher routes inbound WebSocket frames to registered handlers by frame
// type. Malformed frames and unregistered types are logged and dropped; the
// wire protocol carries no error responses, and a bad frame never costs the
// sender their connection.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a Handler with a frame type. If a handler was already
// registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(frameType string, handler Handler) {
	d.handlers[frameType] = handler
}

// Dispatch parses the raw frame bytes and routes the typed frame to its
// handler.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	frameType, frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("ws: dropping frame from user=%d: %v", conn.UserID, err)
		return
	}

	handler, ok := d.handlers[frameType]
	if !ok {
		log.Printf("ws: no handler for frame type=%q from user=%d", frameType, conn.UserID)
		return
	}

	handler(ctx, conn, frame)
}
