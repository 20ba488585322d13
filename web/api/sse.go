package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// clientBuffer is how many events a client may fall behind before it is
// dropped
const clientBuffer = 64

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	// AgentID scopes the event; per-agent streams only see their own
	AgentID string      `json:"agentId,omitempty"`
	Data    interface{} `json:"data"`
}

type hubClient struct {
	agentID string
	ch      chan SSEEvent
}

// SSEHub fans events out to connected clients. Broadcast never blocks: a
// client whose buffer is full is disconnected.
type SSEHub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{clients: make(map[*hubClient]struct{})}
}

// Subscribe registers a client. An empty agentID receives every event. The
// channel is closed when the client is dropped, unsubscribed, or the hub
// closes.
func (h *SSEHub) Subscribe(agentID string) (<-chan SSEEvent, func()) {
	c := &hubClient{agentID: agentID, ch: make(chan SSEEvent, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		close(c.ch)
	} else {
		h.clients[c] = struct{}{}
	}
	h.mu.Unlock()
	return c.ch, func() { h.drop(c) }
}

func (h *SSEHub) drop(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
}

// Broadcast sends an event to all interested clients
func (h *SSEHub) Broadcast(event SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.agentID != "" && c.agentID != event.AgentID {
			continue
		}
		select {
		case c.ch <- event:
		default:
			close(c.ch)
			delete(h.clients, c)
		}
	}
}

// Len returns the number of connected clients
func (h *SSEHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.ch)
		delete(h.clients, c)
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, cancel := s.hub.Subscribe(r.URL.Query().Get("agent"))
		defer cancel()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					s.logger.Warn("encoding event", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
