// Package registry tracks the single active connection per authenticated
// user. It is the only in-process state mutated by many connection-owning
// goroutines, so all operations are safe for concurrent use.
package registry

import "sync"

// Conn is the transport handle a session writes to. Implementations must
// serialize concurrent Send calls themselves.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Session is the live binding between an authenticated user and one open
// connection. Handle distinguishes successive connections of the same user.
type Session struct {
	UserID      int64
	Handle      string
	DisplayName string
	conn        Conn
}

// NewSession binds a user to a connection handle.
func NewSession(userID int64, handle, displayName string, conn Conn) *Session {
	return &Session{UserID: userID, Handle: handle, DisplayName: displayName, conn: conn}
}

// Send writes an outbound frame to the session's connection.
func (s *Session) Send(data []byte) error {
	return s.conn.Send(data)
}

// Close closes the session's underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Registry maps user ids to their active session. At most one session per
// user: registering a new session for a user silently supersedes the old
// entry (last-writer-wins). The superseded connection is not coordinated
// with; its own teardown path cleans it up.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Session
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{byUser: make(map[int64]*Session)}
}

// Register stores the session, replacing any existing entry for the user.
// It reports whether an entry was replaced, so callers tracking the
// connection count can tell a fresh connection from a supersede (which
// leaves the count unchanged).
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	_, replaced := r.byUser[s.UserID]
	r.byUser[s.UserID] = s
	r.mu.Unlock()
	return replaced
}

// Unregister removes the user's session only if the registered handle
// matches. This keeps a stale close from evicting a newer connection that
// superseded it. Returns true if an entry was removed.
func (r *Registry) Unregister(userID int64, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byUser[userID]
	if !ok || s.Handle != handle {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// Get returns the user's session, or nil if the user has no open
// connection. Absence is a normal, expected result.
func (r *Registry) Get(userID int64) *Session {
	r.mu.RLock()
	s := r.byUser[userID]
	r.mu.RUnlock()
	return s
}

// Size returns the current number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current sessions. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	return sessions
}
