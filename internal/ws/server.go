// Package ws owns the connection lifecycle: authenticated WebSocket
// upgrades, one read goroutine per connection, registry and presence
// bookkeeping, offline mailbox replay, and graceful shutdown. It also
// serves the HTTP side surfaces (health, metrics, friend-request ingress).
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/harborchat/chat-app/internal/identity"
	"github.com/harborchat/chat-app/internal/mailbox"
	"github.com/harborchat/chat-app/internal/metrics"
	"github.com/harborchat/chat-app/internal/presence"
	"github.com/harborchat/chat-app/internal/protocol"
	"github.com/harborchat/chat-app/internal/registry"
)

// Config holds tunable parameters for the WebSocket server. There is
// deliberately no read or idle timeout: a silent connection stays open
// until the peer closes it or its presence marker lapses.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for outbound frame writes
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
	}
}

// Authenticator resolves handshake credentials to a principal.
type Authenticator interface {
	Authenticate(r *http.Request) (identity.Principal, error)
}

// Mailbox drains the queued offline events replayed on connect.
type Mailbox interface {
	DrainAndClear(ctx context.Context, userID int64) ([]mailbox.Entry, error)
}

// Tracker maintains presence state across the connection lifecycle.
type Tracker interface {
	Connect(ctx context.Context, userID int64)
	Disconnect(ctx context.Context, userID int64)
	Touch(ctx context.Context, userID int64)
}

// Broker publishes events produced by the HTTP ingress endpoints.
type Broker interface {
	Publish(ev protocol.Event) error
}

// Server upgrades authenticated HTTP requests to WebSocket connections and
// runs one read goroutine per connection until the socket closes.
type Server struct {
	config     Config
	auth       Authenticator
	reg        *registry.Registry
	mbox       Mailbox
	tracker    Tracker
	dispatcher *Dispatcher
	broker     Broker

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the connection lifecycle dependencies together.
func NewServer(config Config, auth Authenticator, reg *registry.Registry, mbox Mailbox, tracker Tracker, dispatcher *Dispatcher, broker Broker) *Server {
	return &Server{
		config:     config,
		auth:       auth,
		reg:        reg,
		mbox:       mbox,
		tracker:    tracker,
		dispatcher: dispatcher,
		broker:     broker,
	}
}

// Start configures the HTTP mux and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/internal/friend-request", s.handleFriendRequest)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection, registers the session and starts the connection's read
// goroutine. Registration supersedes any existing session for the user;
// the superseded connection cleans itself up when its own read loop exits.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.reg.Size() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	principal, err := s.auth.Authenticate(r)
	if err != nil {
		log.Printf("ws: handshake rejected: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed for user=%d: %v", principal.UserID, err)
		return
	}

	c := newConnection(principal.UserID, uuid.New().String(), principal.DisplayName, netConn, s.config.WriteTimeout)
	s.register(c)

	log.Printf("ws: new connection user=%d handle=%s (total=%d)", c.UserID, c.Handle, s.reg.Size())

	go s.serve(c)
}

// register binds the connection's session in the registry. A supersede
// leaves the registry size unchanged, so the connections gauge moves only
// for genuinely new entries; the superseded connection's teardown loses the
// handle match and therefore never decrements.
func (s *Server) register(c *Connection) {
	if replaced := s.reg.Register(registry.NewSession(c.UserID, c.Handle, c.DisplayName, c)); !replaced {
		metrics.ConnectionsTotal.Inc()
	}
}

// serve is the per-connection goroutine. It replays the user's offline
// mailbox, announces presence, then reads frames until the socket errors
// or closes.
func (s *Server) serve(c *Connection) {
	defer s.teardown(c)

	s.replayMailbox(c)
	s.tracker.Connect(context.Background(), c.UserID)

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if op != ws.OpText || len(data) == 0 {
			continue
		}

		s.touchPresence(c)
		s.dispatcher.Dispatch(context.Background(), c, data)
	}
}

// replayMailbox drains the user's offline queue and writes each entry to
// the fresh connection in enqueue order. A drain failure loses nothing: the
// entries stay queued for the next connection.
func (s *Server) replayMailbox(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := s.mbox.DrainAndClear(ctx, c.UserID)
	if err != nil {
		log.Printf("ws: mailbox drain for user=%d failed: %v", c.UserID, err)
		return
	}
	for _, entry := range entries {
		if err := c.Send(entry.Event); err != nil {
			log.Printf("ws: mailbox replay to user=%d failed: %v", c.UserID, err)
			return
		}
	}
	if len(entries) > 0 {
		log.Printf("ws: replayed %d queued events to user=%d", len(entries), c.UserID)
	}
}

// touchPresence refreshes the user's presence marker, throttled so a chatty
// connection does not hit Redis on every frame.
func (s *Server) touchPresence(c *Connection) {
	now := time.Now()
	if now.Sub(c.lastRefresh) < presence.MarkerTTL/2 {
		return
	}
	c.lastRefresh = now
	s.tracker.Touch(context.Background(), c.UserID)
}

// teardown runs exactly once per connection when its read loop exits.
// Presence and the count broadcast fire only if this connection still owns
// the registry entry; a superseded connection closes quietly.
func (s *Server) teardown(c *Connection) {
	if s.reg.Unregister(c.UserID, c.Handle) {
		s.tracker.Disconnect(context.Background(), c.UserID)
		metrics.ConnectionsTotal.Dec()
		log.Printf("ws: connection closed user=%d handle=%s uptime=%s (total=%d)",
			c.UserID, c.Handle, time.Since(c.createdAt).Round(time.Second), s.reg.Size())
	}
	_ = c.Close()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.reg.Size(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// friendRequestBody is the ingress payload posted by the social service
// when a friend request is created.
type friendRequestBody struct {
	ReceiverID  int64  `json:"receiverId"`
	RequesterID int64  `json:"requesterId"`
	RequestID   int64  `json:"requestId"`
	Account     string `json:"account"`
	DisplayName string `json:"displayName"`
}

// handleFriendRequest turns an internal ingress call into a friend_request
// event. The receiver gets it live if connected, queued otherwise.
func (s *Server) handleFriendRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body friendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.ReceiverID == 0 || body.RequesterID == 0 {
		http.Error(w, "receiverId and requesterId are required", http.StatusBadRequest)
		return
	}

	ev := &protocol.FriendRequestEvent{
		ReceiverID:  strconv.FormatInt(body.ReceiverID, 10),
		RequesterID: strconv.FormatInt(body.RequesterID, 10),
		RequestID:   strconv.FormatInt(body.RequestID, 10),
		Account:     body.Account,
		DisplayName: body.DisplayName,
	}
	if err := s.broker.Publish(ev); err != nil {
		log.Printf("ws: publish friend_request to user=%d failed: %v", body.ReceiverID, err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Shutdown stops the HTTP listener and closes every active connection.
// Closing each socket unblocks its read goroutine, whose teardown path
// unregisters the session.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, sess := range s.reg.All() {
		_ = sess.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
