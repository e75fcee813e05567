package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval   = 30 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 512
)

// Server upgrades operator requests to feed subscriptions.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewServer creates a new feed server.
func NewServer(h *Hub, log *logrus.Entry) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Served on the internal listener only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// HandleFeed handles GET /internal/deliveries/feed[?session_id=].
func (s *Server) HandleFeed(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade feed connection")
		return nil
	}

	conn := s.hub.NewConnection(ws, c.QueryParam("session_id"))
	if !s.hub.Register(conn) {
		ws.Close()
		return nil
	}
	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump drains client frames so pongs and close frames are processed.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Debug("feed connection error")
			}
			return
		}
	}
}

// writePump writes events and pings to the connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).Debug("failed to write feed message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
