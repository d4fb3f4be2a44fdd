package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/harborchat/chat-app/internal/protocol"
	"github.com/harborchat/chat-app/internal/registry"
)

// recordConn captures frames sent to one session.
type recordConn struct {
	frames  [][]byte
	sendErr error
}

func (c *recordConn) Send(data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordConn) Close() error { return nil }

type fakeMailbox struct {
	queued map[int64][][]byte
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{queued: make(map[int64][][]byte)}
}

func (m *fakeMailbox) Enqueue(_ context.Context, userID int64, event []byte) error {
	m.queued[userID] = append(m.queued[userID], event)
	return nil
}

func connect(reg *registry.Registry, userID int64) *recordConn {
	c := &recordConn{}
	reg.Register(registry.NewSession(userID, fmt.Sprintf("h-%d", userID), "", c))
	return c
}

func TestPeerToPeerMessageEchoAndDeliver(t *testing.T) {
	reg := registry.New()
	mbox := newFakeMailbox()
	broker := NewLocal(reg, mbox)

	a := connect(reg, 10)
	b := connect(reg, 20)

	ev := &protocol.MessageEvent{
		ID: "1", SenderID: "10", ReceiverID: "20",
		Content: "hi", ContentType: "text", ConversationID: "42949672980",
	}
	if err := broker.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(a.frames) != 1 {
		t.Fatalf("sender received %d frames, want 1 (own echo)", len(a.frames))
	}
	if len(b.frames) != 1 {
		t.Fatalf("receiver received %d frames, want 1", len(b.frames))
	}
	if string(a.frames[0]) != string(b.frames[0]) {
		t.Error("sender and receiver saw different frames")
	}
	if len(mbox.queued) != 0 {
		t.Errorf("mailbox received %d entries with both users connected", len(mbox.queued))
	}

	got, err := protocol.DecodeEvent(b.frames[0])
	if err != nil {
		t.Fatalf("decode delivered frame: %v", err)
	}
	me := got.(*protocol.MessageEvent)
	if me.SenderID != "10" || me.Content != "hi" || me.ConversationID != "42949672980" {
		t.Errorf("delivered event = %+v", me)
	}
}

func TestAbsentReceiverGoesToMailbox(t *testing.T) {
	reg := registry.New()
	mbox := newFakeMailbox()
	broker := NewLocal(reg, mbox)

	a := connect(reg, 10) // user 20 not connected

	ev := &protocol.MessageEvent{ID: "1", SenderID: "10", ReceiverID: "20", Content: "hi", ContentType: "text"}
	if err := broker.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(a.frames) != 1 {
		t.Fatalf("sender received %d frames, want the echo", len(a.frames))
	}
	if len(mbox.queued[20]) != 1 {
		t.Fatalf("mailbox for user 20 has %d entries, want 1", len(mbox.queued[20]))
	}
	if _, err := protocol.DecodeEvent(mbox.queued[20][0]); err != nil {
		t.Errorf("queued frame does not decode: %v", err)
	}
	if len(mbox.queued[10]) != 0 {
		t.Error("sender echo was queued for an absent sender path")
	}
}

func TestOnlineCountBroadcastsToAll(t *testing.T) {
	reg := registry.New()
	broker := NewLocal(reg, newFakeMailbox())

	conns := []*recordConn{connect(reg, 1), connect(reg, 2), connect(reg, 3)}

	if err := broker.Publish(&protocol.OnlineCountEvent{Count: 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, c := range conns {
		if len(c.frames) != 1 {
			t.Errorf("conn %d received %d frames, want 1", i, len(c.frames))
		}
	}
}

func TestPublicChannelBroadcast(t *testing.T) {
	reg := registry.New()
	mbox := newFakeMailbox()
	broker := NewLocal(reg, mbox)

	conns := []*recordConn{connect(reg, 1), connect(reg, 2)}

	ev := &protocol.MessageEvent{ID: "5", SenderID: "1", GroupID: PublicChannelID, Content: "all", ContentType: "text"}
	if err := broker.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, c := range conns {
		if len(c.frames) != 1 {
			t.Errorf("conn %d received %d frames, want 1", i, len(c.frames))
		}
	}

	// Non-public group ids have no delivery path.
	ev = &protocol.MessageEvent{ID: "6", SenderID: "1", GroupID: "7", Content: "team", ContentType: "text"}
	if err := broker.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, c := range conns {
		if len(c.frames) != 1 {
			t.Errorf("conn %d received %d frames after non-public group send, want still 1", i, len(c.frames))
		}
	}
	if len(mbox.queued) != 0 {
		t.Error("non-public group send was queued")
	}
}

func TestFriendRequestRoutesToReceiverOnly(t *testing.T) {
	reg := registry.New()
	mbox := newFakeMailbox()
	broker := NewLocal(reg, mbox)

	a := connect(reg, 10)
	b := connect(reg, 20)

	ev := &protocol.FriendRequestEvent{ReceiverID: "20", RequesterID: "10", RequestID: "3", Account: "1234567890", DisplayName: "Kai"}
	if err := broker.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(a.frames) != 0 {
		t.Errorf("requester received %d frames, want 0", len(a.frames))
	}
	if len(b.frames) != 1 {
		t.Errorf("receiver received %d frames, want 1", len(b.frames))
	}

	// Offline receiver: queued instead.
	ev2 := &protocol.FriendRequestEvent{ReceiverID: "30", RequesterID: "10", RequestID: "4", Account: "1234567890", DisplayName: "Kai"}
	if err := broker.Publish(ev2); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(mbox.queued[30]) != 1 {
		t.Errorf("mailbox for user 30 has %d entries, want 1", len(mbox.queued[30]))
	}
}

func TestRecipientWriteFailureIsSwallowed(t *testing.T) {
	reg := registry.New()
	broker := NewLocal(reg, newFakeMailbox())

	bad := &recordConn{sendErr: errors.New("broken pipe")}
	reg.Register(registry.NewSession(1, "h-1", "", bad))
	good := connect(reg, 2)
	connect(reg, 3)

	if err := broker.Publish(&protocol.OnlineCountEvent{Count: 3}); err != nil {
		t.Fatalf("Publish returned %v, want per-recipient failures swallowed", err)
	}
	if len(good.frames) != 1 {
		t.Fatalf("healthy conn received %d frames, want delivery to continue past the failure", len(good.frames))
	}
	// The failed connection stays registered; its own teardown cleans up.
	if reg.Get(1) == nil {
		t.Error("failed recipient was evicted by the broker")
	}
}

// loopbackBus delivers published frames straight back to the subscriber,
// standing in for the broadcast subject shared by all instances.
type loopbackBus struct {
	handlers []func([]byte)
}

func (b *loopbackBus) PublishBroadcast(data []byte) error {
	for _, h := range b.handlers {
		h(data)
	}
	return nil
}

func (b *loopbackBus) SubscribeBroadcast(handler func(data []byte)) error {
	b.handlers = append(b.handlers, handler)
	return nil
}

func TestBusDeliversExactlyOncePerInstance(t *testing.T) {
	bus := &loopbackBus{}

	// Two instances sharing one bus, each with its own local registry.
	regX := registry.New()
	brokerX, err := NewBus(bus, regX, newFakeMailbox())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	regY := registry.New()
	if _, err := NewBus(bus, regY, newFakeMailbox()); err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	a := connect(regX, 10) // sender's session lives on instance X
	b := connect(regY, 20) // receiver's session lives on instance Y

	ev := &protocol.MessageEvent{ID: "1", SenderID: "10", ReceiverID: "20", Content: "hi", ContentType: "text"}
	if err := brokerX.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(a.frames) != 1 {
		t.Errorf("publisher's own session received %d frames, want exactly 1 via the subscribe path", len(a.frames))
	}
	if len(b.frames) != 1 {
		t.Errorf("remote instance session received %d frames, want exactly 1", len(b.frames))
	}
}
