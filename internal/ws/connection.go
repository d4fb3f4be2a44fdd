package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client connection. A dedicated
// goroutine owns all reads; writes may come from any goroutine and are
// serialized by the write mutex.
type Connection struct {
	UserID      int64
	Handle      string // distinguishes successive connections of the same user
	DisplayName string

	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	createdAt   time.Time
	lastRefresh time.Time // only touched by the owning read goroutine
}

func newConnection(userID int64, handle, displayName string, conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		UserID:       userID,
		Handle:       handle,
		DisplayName:  displayName,
		conn:         conn,
		writeTimeout: writeTimeout,
		createdAt:    time.Now(),
	}
}

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the underlying network connection, which unblocks the read
// loop and triggers the connection's teardown path.
func (c *Connection) Close() error {
	return c.conn.Close()
}
