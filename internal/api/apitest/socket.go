package apitest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

func (s *Server) adminSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.hits["ws/admin"]++
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Drain until the peer goes away so close frames are processed.
	go func() {
		defer s.forget(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) forget(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Clients reports the number of connected push clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast writes raw to every push client.
func (s *Server) Broadcast(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (s *Server) BroadcastJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Broadcast(raw)
	return nil
}

// DropClients closes every push connection from the server side.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
