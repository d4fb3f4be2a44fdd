// Package presence maintains time-bounded "user is online" markers in Redis
// and broadcasts the live connection count on every join and leave.
//
//	Key:   presence:<user_id>
//	Value: <server name>
//	TTL:   MarkerTTL, refreshed by activity
//
// A marker that stops being refreshed expires on its own, so a user is
// considered offline even if their socket has not yet been observed closed.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/chat-app/internal/protocol"
)

const (
	// KeyPrefix is the Redis key prefix for presence markers.
	KeyPrefix = "presence:"

	// MarkerTTL is the marker lifetime between refreshes.
	MarkerTTL = 5 * time.Minute

	// opTimeout bounds each marker operation so a slow Redis never stalls
	// a connection's frame loop.
	opTimeout = 3 * time.Second
)

// Store manages presence markers in Redis.
type Store struct {
	rdb        *redis.Client
	serverName string // which instance registered the marker
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(rdb *redis.Client, serverName string) *Store {
	return &Store{rdb: rdb, serverName: serverName}
}

func key(userID int64) string {
	return fmt.Sprintf("%s%d", KeyPrefix, userID)
}

// Set registers or refreshes the user's presence marker.
func (s *Store) Set(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Set(ctx, key(userID), s.serverName, MarkerTTL).Err()
}

// Refresh extends the marker's TTL without rewriting the value.
func (s *Store) Refresh(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Expire(ctx, key(userID), MarkerTTL).Err()
}

// Delete removes the user's presence marker on graceful disconnect.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, key(userID)).Err()
}

// IsOnline reports whether the user currently has a live marker.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Counter reports the number of locally registered sessions. The broadcast
// count is defined as the registry size, not the marker-store size, so the
// count stays consistent with what the fanout broker can actually reach.
type Counter interface {
	Size() int
}

// Publisher hands events to the fanout broker.
type Publisher interface {
	Publish(ev protocol.Event) error
}

// Tracker ties marker maintenance to online-count broadcasts.
type Tracker struct {
	store    *Store
	sessions Counter
	broker   Publisher
}

// NewTracker creates a Tracker over the given store, session counter and
// broker.
func NewTracker(store *Store, sessions Counter, broker Publisher) *Tracker {
	return &Tracker{store: store, sessions: sessions, broker: broker}
}

// Connect registers the user's presence marker and broadcasts the updated
// connection count. Marker failures are logged, never fatal to the
// connection.
func (t *Tracker) Connect(ctx context.Context, userID int64) {
	if err := t.store.Set(ctx, userID); err != nil {
		log.Printf("presence: set marker user=%d: %v", userID, err)
	}
	t.publishCount()
}

// Disconnect removes the user's presence marker and broadcasts the updated
// connection count.
func (t *Tracker) Disconnect(ctx context.Context, userID int64) {
	if err := t.store.Delete(ctx, userID); err != nil {
		log.Printf("presence: delete marker user=%d: %v", userID, err)
	}
	t.publishCount()
}

// Touch refreshes the user's presence marker. Called on inbound activity.
func (t *Tracker) Touch(ctx context.Context, userID int64) {
	if err := t.store.Refresh(ctx, userID); err != nil {
		log.Printf("presence: refresh marker user=%d: %v", userID, err)
	}
}

func (t *Tracker) publishCount() {
	ev := &protocol.OnlineCountEvent{Count: t.sessions.Size()}
	if err := t.broker.Publish(ev); err != nil {
		log.Printf("presence: publish online_count: %v", err)
	}
}
