package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/harborchat/chat-app/internal/identity"
	"github.com/harborchat/chat-app/internal/mailbox"
	"github.com/harborchat/chat-app/internal/metrics"
	"github.com/harborchat/chat-app/internal/protocol"
	"github.com/harborchat/chat-app/internal/registry"
)

type fakeAuth struct {
	principal identity.Principal
	err       error
}

func (a *fakeAuth) Authenticate(*http.Request) (identity.Principal, error) {
	return a.principal, a.err
}

type fakeMailbox struct{}

func (fakeMailbox) DrainAndClear(context.Context, int64) ([]mailbox.Entry, error) {
	return nil, nil
}

type fakeTracker struct{}

func (fakeTracker) Connect(context.Context, int64)    {}
func (fakeTracker) Disconnect(context.Context, int64) {}
func (fakeTracker) Touch(context.Context, int64)      {}

type captureBroker struct {
	events     []protocol.Event
	publishErr error
}

func (b *captureBroker) Publish(ev protocol.Event) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.events = append(b.events, ev)
	return nil
}

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }
func (nopConn) Close() error      { return nil }

func newTestServer(auth Authenticator, broker Broker) (*Server, *registry.Registry) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	return NewServer(cfg, auth, reg, fakeMailbox{}, fakeTracker{}, NewDispatcher(), broker), reg
}

func TestHandleUpgradeRejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(&fakeAuth{err: identity.ErrUnauthorized}, &captureBroker{})

	rec := httptest.NewRecorder()
	srv.handleUpgrade(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleUpgradeRejectsWhenFull(t *testing.T) {
	srv, reg := newTestServer(&fakeAuth{principal: identity.Principal{UserID: 3}}, &captureBroker{})
	reg.Register(registry.NewSession(1, "h1", "", nopConn{}))
	reg.Register(registry.NewSession(2, "h2", "", nopConn{}))

	rec := httptest.NewRecorder()
	srv.handleUpgrade(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, reg := newTestServer(&fakeAuth{}, &captureBroker{})
	reg.Register(registry.NewSession(1, "h1", "", nopConn{}))

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != "ok" || resp.Connections != 1 {
		t.Errorf("health = %+v", resp)
	}
}

func TestHandleFriendRequest(t *testing.T) {
	broker := &captureBroker{}
	srv, _ := newTestServer(&fakeAuth{}, broker)

	body := `{"receiverId":20,"requesterId":10,"requestId":55,"account":"alice","displayName":"Alice"}`
	rec := httptest.NewRecorder()
	srv.handleFriendRequest(rec, httptest.NewRequest(http.MethodPost, "/internal/friend-request", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(broker.events) != 1 {
		t.Fatalf("published %d events, want 1", len(broker.events))
	}
	ev := broker.events[0].(*protocol.FriendRequestEvent)
	if ev.ReceiverID != "20" || ev.RequesterID != "10" || ev.RequestID != "55" {
		t.Errorf("event ids = %+v, want decimal strings", ev)
	}
	if ev.Account != "alice" || ev.DisplayName != "Alice" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandleFriendRequestRejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing receiver", http.MethodPost, `{"requesterId":10}`, http.StatusBadRequest},
		{"missing requester", http.MethodPost, `{"receiverId":20}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &captureBroker{}
			srv, _ := newTestServer(&fakeAuth{}, broker)

			rec := httptest.NewRecorder()
			srv.handleFriendRequest(rec, httptest.NewRequest(tt.method, "/internal/friend-request", strings.NewReader(tt.body)))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(broker.events) != 0 {
				t.Errorf("published %d events, want 0", len(broker.events))
			}
		})
	}
}

func TestSupersededConnectionDoesNotLeakGauge(t *testing.T) {
	srv, reg := newTestServer(&fakeAuth{}, &captureBroker{})
	base := testutil.ToFloat64(metrics.ConnectionsTotal)

	p1, q1 := net.Pipe()
	defer q1.Close()
	first := newConnection(7, "h-first", "", p1, 0)
	srv.register(first)

	p2, q2 := net.Pipe()
	defer q2.Close()
	second := newConnection(7, "h-second", "", p2, 0)
	srv.register(second)

	if got := testutil.ToFloat64(metrics.ConnectionsTotal) - base; got != 1 {
		t.Fatalf("gauge delta = %v with one user connected twice, want 1", got)
	}

	// The superseded connection closes first and must not touch the gauge;
	// the live one closes after and returns it to baseline.
	srv.teardown(first)
	srv.teardown(second)

	if got := reg.Size(); got != 0 {
		t.Fatalf("registry size = %d after both teardowns, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.ConnectionsTotal) - base; got != 0 {
		t.Fatalf("gauge delta = %v after both teardowns, want 0", got)
	}
}

func TestHandleFriendRequestPublishFailure(t *testing.T) {
	broker := &captureBroker{publishErr: errors.New("bus down")}
	srv, _ := newTestServer(&fakeAuth{}, broker)

	body := `{"receiverId":20,"requesterId":10}`
	rec := httptest.NewRecorder()
	srv.handleFriendRequest(rec, httptest.NewRequest(http.MethodPost, "/internal/friend-request", strings.NewReader(body)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
