// Package feed streams delivery events to operator WebSocket clients.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// Connection represents a single WebSocket subscriber. An empty SessionID
// subscribes to every delivery.
type Connection struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex
}

// Hub manages feed subscribers.
type Hub struct {
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan domain.DeliveryEvent
	done       chan struct{}

	log *logrus.Entry
	mu  sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan domain.DeliveryEvent, 256),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled and closes
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for id, conn := range h.connections {
			delete(h.connections, id)
			close(conn.Send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"conn_id": conn.ID, "session_id": conn.SessionID}).Debug("feed subscriber registered")

		case conn := <-h.unregister:
			h.remove(conn)
			h.log.WithField("conn_id", conn.ID).Debug("feed subscriber unregistered")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.WithError(err).Error("failed to encode delivery event")
				continue
			}
			var slow []*Connection
			h.mu.RLock()
			for _, conn := range h.connections {
				if conn.SessionID != "" && conn.SessionID != event.SessionID {
					continue
				}
				select {
				case conn.Send <- data:
				default:
					slow = append(slow, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range slow {
				h.log.WithField("conn_id", conn.ID).Warn("feed subscriber buffer full, closing")
				h.remove(conn)
			}
		}
	}
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		close(conn.Send)
	}
}

// NewConnection creates a new subscriber for ws.
func (h *Hub) NewConnection(ws *websocket.Conn, sessionID string) *Connection {
	return &Connection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Conn:      ws,
		Send:      make(chan []byte, 64),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// OnDeliveryEvent queues an event for subscribers. It never blocks the caller;
// events are dropped when the hub is saturated.
func (h *Hub) OnDeliveryEvent(_ context.Context, event domain.DeliveryEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.log.WithField("session_id", event.SessionID).Warn("feed saturated, dropping event")
	}
}

// ConnectionCount returns the number of active subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
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

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
