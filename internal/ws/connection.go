package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client with its
// subscriptions and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string          // connection ID (UUID), also the session id
	UserID    string          // authenticated caller
	Conn      net.Conn        // underlying TCP connection
	CreatedAt time.Time       // when the connection was established
	ctx       context.Context // carries UserID into service calls
	rd        io.Reader       // frame source, set by the poller
	fd        int             // poller registration key

	lastActive int64        // unix nanos of the last frame read, atomic
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	subs       *subscriptions
}

// Context returns the caller context used for every operation issued on
// this connection.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Touch records inbound activity.
func (c *Connection) Touch(t time.Time) {
	atomic.StoreInt64(&c.lastActive, t.UnixNano())
}

// LastActive returns when the connection last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// writeWithDeadline sends a text frame bounded by timeout. writeMu keeps
// concurrent writers from interleaving frame bytes.
func (c *Connection) writeWithDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs to
// their Connection and counts connections per user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection // connection id -> Connection
	byUser map[string]int         // user id -> open connections
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]int),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byUser[conn.UserID]++
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byUser[conn.UserID]--; cm.byUser[conn.UserID] <= 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// UserCount returns how many connections userID has open on this server.
func (cm *ConnectionManager) UserCount(userID string) int {
	cm.mu.RLock()
	n := cm.byUser[userID]
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
