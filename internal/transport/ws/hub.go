package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when queueing to a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // serializes writes to Conn
}

// Hub tracks the live connections.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*Connection)}
}

// NewConnection wraps ws in a connection with a buffered send queue.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
}

// Unregister removes a connection and stops its writer.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	delete(h.connections, conn.ID)
	h.mu.Unlock()
	conn.shutdown()
}

// CloseAll shuts every connection down. Their writers send a close frame and
// their readers then unregister them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Enqueue queues data for the writer. It blocks while the queue is full and
// fails once the connection is shut down.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// EnqueueJSON marshals v and queues it.
func (c *Connection) EnqueueJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Enqueue(data)
}

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
