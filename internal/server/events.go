package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/momohq/momo/pkg/types"
)

// Event is one message on the /events stream.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Event types carried on the stream.
const (
	EventDocumentStatus  = "document.status"
	EventMemoryCreated   = "memory.created"
	EventMemoryForgotten = "memory.forgotten"
)

// DocumentStatusEvent reports one processing transition.
type DocumentStatusEvent struct {
	DocumentID string                 `json:"documentId"`
	Status     types.ProcessingStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
}

// EventHub fans events out to connected WebSocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type EventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]bool
	closed  bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[chan []byte]bool)}
}

// Broadcast sends an event to every connected client. It never blocks; a
// client with a full send buffer is disconnected.
func (h *EventHub) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, At: time.Now().UTC()})
	if err != nil {
		log.Printf("events: marshal %s failed: %v", eventType, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Close disconnects all clients and rejects future subscriptions.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan []byte]bool)
}

func (h *EventHub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, 64)
	h.clients[ch] = true
	return ch, true
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ch] {
		delete(h.clients, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the hub closes.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // localhost tooling connects from arbitrary origins
	})
	if err != nil {
		log.Printf("events: websocket upgrade failed: %v", err)
		return
	}

	ch, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(ch)

	ctx := r.Context()
	go func() {
		// drain client frames so pings are answered and closure is noticed
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
