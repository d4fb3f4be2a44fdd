// Package mailbox provides the per-user offline queue: a durable,
// time-bounded Redis list holding events that could not be delivered
// because the recipient had no open connection. Entries live until the
// user's next connection drains them or the retention window expires.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-user mailbox lists.
	KeyPrefix = "mailbox:"

	// RetentionTTL is how long undelivered entries are kept. The whole
	// list expires this long after the most recent enqueue, and drains
	// discard individual entries older than this.
	RetentionTTL = 7 * 24 * time.Hour
)

// Entry is one queued event together with its enqueue timestamp.
type Entry struct {
	Event      json.RawMessage `json:"event"`
	EnqueuedAt int64           `json:"enqueued_at"` // unix seconds
}

// Queue manages per-user offline mailboxes in Redis.
type Queue struct {
	rdb         *redis.Client
	drainScript *redis.Script
}

// NewQueue creates a Queue using the provided Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:         rdb,
		drainScript: redis.NewScript(drainLua),
	}
}

func key(userID int64) string {
	return fmt.Sprintf("%s%d", KeyPrefix, userID)
}

// Enqueue appends an encoded event to the user's mailbox and refreshes the
// retention TTL on the whole list.
func (q *Queue) Enqueue(ctx context.Context, userID int64, event []byte) error {
	entry, err := json.Marshal(Entry{Event: event, EnqueuedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("mailbox: marshal entry: %w", err)
	}

	pipe := q.rdb.Pipeline()
	pipe.RPush(ctx, key(userID), entry)
	pipe.Expire(ctx, key(userID), RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mailbox: enqueue for user %d: %w", userID, err)
	}
	return nil
}

// DrainAndClear returns all queued entries for the user in enqueue order
// and removes them. The script trims exactly the range it read, so entries
// enqueued concurrently with the drain are never lost. Entries older than
// the retention window are dropped from the result.
func (q *Queue) DrainAndClear(ctx context.Context, userID int64) ([]Entry, error) {
	raw, err := q.drainScript.Run(ctx, q.rdb, []string{key(userID)}).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: drain for user %d: %w", userID, err)
	}

	cutoff := time.Now().Add(-RetentionTTL).Unix()
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Printf("mailbox: skipping undecodable entry for user %d: %v", userID, err)
			continue
		}
		if e.EnqueuedAt < cutoff {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// drainLua reads the whole list, then trims only the range read. Redis runs
// the script atomically, and a non-atomic reimplementation would still be
// safe against concurrent RPUSHes because the trim is bounded by the number
// of elements read.
const drainLua = `
local vals = redis.call('LRANGE', KEYS[1], 0, -1)
if #vals > 0 then
    redis.call('LTRIM', KEYS[1], #vals, -1)
end
return vals
`
