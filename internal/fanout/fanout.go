// Package fanout delivers outbound events to their recipients. A Broker is
// chosen once at process startup: Local delivers straight to the in-process
// registry, Bus routes every event through the shared NATS broadcast subject
// so all instances (the publisher included) deliver through one identical
// local-delivery path. Callers never branch on the mode.
package fanout

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/harborchat/chat-app/internal/metrics"
	"github.com/harborchat/chat-app/internal/protocol"
	"github.com/harborchat/chat-app/internal/registry"
)

// PublicChannelID is the one group id with a broadcast delivery path: the
// designated public channel every connected user receives. Other group ids
// are accepted but route nowhere for now.
const PublicChannelID = "1"

// enqueueTimeout bounds mailbox writes so a slow Redis cannot stall
// delivery to the remaining recipients.
const enqueueTimeout = 3 * time.Second

// Registry is the subset of the connection registry fanout needs.
type Registry interface {
	Get(userID int64) *registry.Session
	All() []*registry.Session
}

// Mailbox queues events for users without an open local connection.
type Mailbox interface {
	Enqueue(ctx context.Context, userID int64, event []byte) error
}

// Broker transports immutable events to their recipients.
type Broker interface {
	Publish(ev protocol.Event) error
}

// Local delivers events directly to locally registered sessions. Used when
// the service runs as a single instance.
type Local struct {
	d deliverer
}

// NewLocal creates a single-instance broker over the given registry and
// offline mailbox.
func NewLocal(reg Registry, mbox Mailbox) *Local {
	return &Local{d: deliverer{reg: reg, mbox: mbox}}
}

// Publish encodes the event and delivers it to local sessions. Encoding
// failure is fatal to this publish and returned to the caller.
func (b *Local) Publish(ev protocol.Event) error {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(ev.Kind()).Inc()
	b.d.deliver(ev, frame)
	return nil
}

// BusTransport is the publish/subscribe surface of the shared broadcast
// bus.
type BusTransport interface {
	PublishBroadcast(data []byte) error
	SubscribeBroadcast(handler func(data []byte)) error
}

// Bus routes events through the shared broadcast bus. Publish only sends to
// the bus; local delivery happens exclusively in the subscription callback,
// which is why each connected session receives an event exactly once no
// matter which instance produced it.
type Bus struct {
	bus BusTransport
	d   deliverer
}

// NewBus creates a multi-instance broker and subscribes it to the broadcast
// subject.
func NewBus(bus BusTransport, reg Registry, mbox Mailbox) (*Bus, error) {
	b := &Bus{bus: bus, d: deliverer{reg: reg, mbox: mbox}}
	if err := bus.SubscribeBroadcast(b.handleInbound); err != nil {
		return nil, err
	}
	return b, nil
}

// Publish encodes the event and sends it once to the broadcast subject.
func (b *Bus) Publish(ev protocol.Event) error {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(ev.Kind()).Inc()
	return b.bus.PublishBroadcast(frame)
}

func (b *Bus) handleInbound(frame []byte) {
	ev, err := protocol.DecodeEvent(frame)
	if err != nil {
		log.Printf("fanout: dropping undecodable bus event: %v", err)
		return
	}
	b.d.deliver(ev, frame)
}

// deliverer is the single "deliver to local registry" step shared by both
// brokers.
type deliverer struct {
	reg  Registry
	mbox Mailbox
}

// deliver routes one encoded event to local sessions by kind. Write
// failures to individual recipients are swallowed: a failed transport is
// treated as a dead connection whose own lifecycle teardown cleans the
// registry.
func (d *deliverer) deliver(ev protocol.Event, frame []byte) {
	start := time.Now()
	defer func() {
		metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	}()

	switch e := ev.(type) {
	case *protocol.MessageEvent:
		if e.GroupID != "" {
			if e.GroupID == PublicChannelID {
				d.broadcast(frame)
			}
			// Other group ids have no delivery path yet.
			return
		}
		d.toUser(e.SenderID, frame, false) // sender echo
		d.toUser(e.ReceiverID, frame, true)

	case *protocol.TypingEvent:
		d.toUser(e.From, frame, false)
		d.toUser(e.To, frame, true)

	case *protocol.FriendRequestEvent:
		d.toUser(e.ReceiverID, frame, true)

	case *protocol.OnlineCountEvent:
		d.broadcast(frame)

	case *protocol.ReadEvent:
		// Reserved kind, nothing to route.

	default:
		log.Printf("fanout: no route for event kind %q", ev.Kind())
	}
}

// toUser writes the frame to the user's local session. If the user has no
// session and queueIfAbsent is set, the frame goes to the user's offline
// mailbox instead of being dropped.
func (d *deliverer) toUser(id string, frame []byte, queueIfAbsent bool) {
	if id == "" {
		return
	}
	userID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		log.Printf("fanout: bad user id %q in event: %v", id, err)
		return
	}

	if s := d.reg.Get(userID); s != nil {
		if err := s.Send(frame); err != nil {
			log.Printf("fanout: send to user=%d failed: %v", userID, err)
		}
		return
	}

	if !queueIfAbsent {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := d.mbox.Enqueue(ctx, userID, frame); err != nil {
		log.Printf("fanout: mailbox enqueue user=%d failed: %v", userID, err)
		return
	}
	metrics.MailboxEnqueued.Inc()
}

// broadcast writes the frame to every locally registered session.
func (d *deliverer) broadcast(frame []byte) {
	for _, s := range d.reg.All() {
		if err := s.Send(frame); err != nil {
			log.Printf("fanout: broadcast to user=%d failed: %v", s.UserID, err)
		}
	}
}
