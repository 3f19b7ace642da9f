// Package websocket carries the bidirectional session stream: frames
// out to clients and INIT / USER / HITL_RESPONSE / PING frames in.
package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"amicable-orchestrator/types"

	"github.com/gorilla/websocket"
)

// Hub fans session frames out to every connection attached to a session.
type Hub struct {
	sessions   map[string]map[*SessionConnection]bool
	register   chan *SessionConnection
	unregister chan *SessionConnection
	broadcast  chan types.Frame
	mu         sync.RWMutex
}

// SessionConnection is one client socket attached to a session.
type SessionConnection struct {
	SessionID string
	Conn      *websocket.Conn
	UserID    string
	writeMu   sync.Mutex // single writer per socket
}

// NewHub creates the hub and starts its event loop.
func NewHub() *Hub {
	h := &Hub{
		sessions:   make(map[string]map[*SessionConnection]bool),
		register:   make(chan *SessionConnection),
		unregister: make(chan *SessionConnection),
		broadcast:  make(chan types.Frame, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			if h.sessions[conn.SessionID] == nil {
				h.sessions[conn.SessionID] = make(map[*SessionConnection]bool)
			}
			h.sessions[conn.SessionID][conn] = true
			h.mu.Unlock()
			log.Printf("Hub: connection registered for session %s", conn.SessionID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if connections, exists := h.sessions[conn.SessionID]; exists {
				if _, exists := connections[conn]; exists {
					delete(connections, conn)
					conn.Conn.Close()
					if len(connections) == 0 {
						delete(h.sessions, conn.SessionID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Hub: connection unregistered for session %s", conn.SessionID)

		case frame := <-h.broadcast:
			h.mu.RLock()
			connections := h.sessions[frame.SessionID]
			h.mu.RUnlock()
			if connections == nil {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				log.Printf("Hub: marshal frame %s failed: %v", frame.Type, err)
				continue
			}
			for conn := range connections {
				if err := conn.send(data); err != nil {
					// Unregister in a goroutine; the hub loop must not
					// block on its own channel.
					go func(c *SessionConnection) { h.unregister <- c }(conn)
				}
			}
		}
	}
}

func (c *SessionConnection) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast queues a frame for every connection on its session.
func (h *Hub) Broadcast(frame types.Frame) {
	h.broadcast <- frame
}

// SendTo writes a frame to one connection only, bypassing fan-out. Used
// for direct replies like PING echoes and per-connection errors.
func (h *Hub) SendTo(conn *SessionConnection, frame types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Hub: marshal frame %s failed: %v", frame.Type, err)
		return
	}
	if err := conn.send(data); err != nil {
		h.unregister <- conn
	}
}

// Register attaches a connection to its session.
func (h *Hub) Register(conn *SessionConnection) { h.register <- conn }

// Unregister detaches and closes a connection.
func (h *Hub) Unregister(conn *SessionConnection) { h.unregister <- conn }
