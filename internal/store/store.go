// Package store is the PostgreSQL persistence gateway. It owns message
// inserts (the database allocates message ids) and the user lookups the
// handshake and group broadcasts need.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Message is a chat message row. ReceiverID and ConversationID are set for
// peer-to-peer messages, GroupID for group messages.
type Message struct {
	ID             int64
	SenderID       int64
	ReceiverID     *int64
	GroupID        *int64
	ConversationID *int64
	Content        string
	ContentType    string
	IsRead         bool
}

// InsertMessage persists a message and returns the generated id.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, group_id, conversation_id, content, content_type, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		m.SenderID,
		m.ReceiverID,
		m.GroupID,
		m.ConversationID,
		m.Content,
		m.ContentType,
		m.IsRead,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	m.ID = id
	return id, nil
}

// Profile is the subset of a user row needed to enrich group broadcasts.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// GetProfile returns the user's display name and avatar URL, or nil if the
// user does not exist.
func (s *Store) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	const query = `SELECT display_name, COALESCE(avatar_url, '') FROM users WHERE id = $1`

	var p Profile
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	return &p, nil
}

// UserExists reports whether the user id is present. It serves the
// handshake's user-existence check.
func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
