package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zapbridge/zapbridge/internal/session"
)

// eventClient is one WebSocket subscriber to session state changes.
// Writes are serialized through mu; gorilla/websocket allows at most one
// concurrent writer per connection.
type eventClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *eventClient) write(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(payload)
}

func (c *eventClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
	c.conn.Close()
}

// statusEvent is the message pushed to event stream subscribers.
type statusEvent struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

// handleEvents upgrades the connection and streams session state changes
// until the client goes away. The current state is pushed immediately so
// subscribers never start from an unknown state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &eventClient{conn: conn}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()
	log.Printf("server: event stream client connected (%d total)", count)

	if err := client.write(toStatusEvent(s.sessions.Status())); err != nil {
		s.dropClient(client)
		return
	}

	// Reader loop: the client sends nothing meaningful, but reading is how
	// close frames and dead connections are detected.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(client)
				return
			}
		}
	}()
}

// BroadcastStatus pushes a session state change to all event stream
// subscribers. Wired as the lifecycle manager's notify hook.
func (s *Server) BroadcastStatus(snap session.Snapshot) {
	s.mu.Lock()
	clients := make([]*eventClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	event := toStatusEvent(snap)
	for _, client := range clients {
		if err := client.write(event); err != nil {
			s.dropClient(client)
		}
	}
}

func (s *Server) dropClient(client *eventClient) {
	s.mu.Lock()
	_, present := s.clients[client]
	delete(s.clients, client)
	count := len(s.clients)
	s.mu.Unlock()

	if present {
		client.conn.Close()
		log.Printf("server: event stream client disconnected (%d total)", count)
	}
}

func toStatusEvent(snap session.Snapshot) statusEvent {
	return statusEvent{
		Type:   "status",
		Status: string(snap.State),
		QR:     snap.QR,
	}
}
