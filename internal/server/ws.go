package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsrelay/opsrelay/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth already ran in the middleware; the dashboard may be served
	// from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the hub's push contract. Writes
// are serialized; the hub's writeLoop is the only JSON writer but control
// frames share the same deadline handling.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteEnvelope(env hub.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// clientMessage is the inbound frame from a stream client.
type clientMessage struct {
	Action string      `json:"action"` // "setFilter", "search", "ping"
	Filter *hub.Filter `json:"filter,omitempty"`
	Query  string      `json:"query,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

// handleStream upgrades to WebSocket and subscribes the connection to the
// live stream. The initial filter comes from query parameters; later
// setFilter messages replace it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: upgrade failed: %v", err)
		return
	}

	initial := filterFromQuery(r.URL.Query())
	if initial.Empty() {
		initial = nil
	}

	wc := &wsConn{conn: conn}
	subID := s.hub.Subscribe(wc, initial)

	// Read loop. Exits on close or error; the hub cleans up the write side.
	defer func() {
		s.hub.Unsubscribe(subID)
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("stream: read error on %s: %v", subID, err)
			}
			return
		}

		switch msg.Action {
		case "setFilter":
			if err := s.hub.SetFilter(subID, msg.Filter); err != nil {
				return
			}
		case "search":
			records, err := s.hub.Search(msg.Query, msg.Limit)
			if err != nil {
				s.hub.SendTo(subID, hub.Envelope{Type: hub.EnvelopeError, Data: err.Error()})
				continue
			}
			s.hub.SendTo(subID, hub.Envelope{Type: hub.EnvelopeSearchResults, Data: records})
		case "ping":
			// Heartbeat only; nothing to do beyond resetting idle timers.
		default:
			s.hub.SendTo(subID, hub.Envelope{Type: hub.EnvelopeError, Data: "unknown action: " + msg.Action})
		}
	}
}
