package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub maintains the active client connections, indexed by session ID,
// and delivers events point-to-point. Each browser tab holds one
// connection; a reconnect replaces the previous one for the session.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	send       chan Event
	mu         sync.RWMutex
	log        *logrus.Entry
}

// NewHub creates a hub and starts its run loop.
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		send:       make(chan Event, 256),
		log:        log.WithField("component", "ws"),
	}
	go h.run()
	return h
}

// run manages client registration and event delivery.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// A session that reconnects replaces its old connection.
			if old, exists := h.clients[client.sessionID]; exists {
				close(old.send)
			}
			h.clients[client.sessionID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"session": client.sessionID, "total": total}).
				Debug("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			// Only drop the client if it is still the registered one;
			// a replaced connection's teardown must not close the
			// replacement's channel.
			if current, exists := h.clients[client.sessionID]; exists && current == client {
				delete(h.clients, client.sessionID)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"session": client.sessionID, "total": total}).
				Debug("client disconnected")

		case event := <-h.send:
			h.deliver(event)
		}
	}
}

// Send queues an event for delivery to its addressee. Delivery is
// best-effort: if the session is not connected the event is dropped,
// and the polling fallback is expected to surface the same fact.
func (h *Hub) Send(event Event) {
	select {
	case h.send <- event:
	default:
		h.log.WithFields(logrus.Fields{"session": event.SessionID, "type": event.Kind}).
			Warn("hub send queue full, event dropped")
	}
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	client, exists := h.clients[event.SessionID]
	h.mu.RUnlock()

	if !exists {
		h.log.WithFields(logrus.Fields{"session": event.SessionID, "type": event.Kind}).
			Debug("session not connected, event not sent")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	select {
	case client.send <- data:
	default:
		// Send buffer full; drop the connection, the client will
		// reconnect or fall back to polling.
		h.log.WithField("session", client.sessionID).
			Warn("client send buffer full, closing connection")
		h.mu.Lock()
		if current, exists := h.clients[client.sessionID]; exists && current == client {
			delete(h.clients, client.sessionID)
			close(client.send)
		}
		h.mu.Unlock()
	}
}

// IsSessionConnected reports whether a session has a live push channel.
func (h *Hub) IsSessionConnected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.clients[sessionID]
	return exists
}

// ConnectedSessions returns the session IDs with live connections.
func (h *Hub) ConnectedSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]string, 0, len(h.clients))
	for sessionID := range h.clients {
		sessions = append(sessions, sessionID)
	}
	return sessions
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
