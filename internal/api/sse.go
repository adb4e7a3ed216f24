package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEEvent is one frame on the event stream.
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Per-client buffer. A client that falls this far behind starts losing
// events rather than stalling the producers.
const sseClientBuffer = 64

// SSEBroadcaster fans events out to every connected stream. Producers never
// block: sends into a full client buffer are dropped.
type SSEBroadcaster struct {
	mu      sync.RWMutex
	clients map[string]chan SSEEvent
}

func NewSSEBroadcaster() *SSEBroadcaster {
	return &SSEBroadcaster{clients: make(map[string]chan SSEEvent)}
}

// Subscribe registers a client under the given ID and returns its channel.
func (b *SSEBroadcaster) Subscribe(clientID string) chan SSEEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SSEEvent, sseClientBuffer)
	b.clients[clientID] = ch
	log.Printf("sse: client %s subscribed (%d total)", clientID, len(b.clients))
	return ch
}

// Unsubscribe drops the client and closes its channel, which ends the
// handler loop reading from it.
func (b *SSEBroadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[clientID]; ok {
		close(ch)
		delete(b.clients, clientID)
		log.Printf("sse: client %s unsubscribed (%d remaining)", clientID, len(b.clients))
	}
}

// Broadcast delivers the event to every client that has buffer room.
func (b *SSEBroadcaster) Broadcast(event SSEEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			log.Printf("sse: dropping event %q for slow client %s", event.Event, id)
		}
	}
}

// BroadcastToClient delivers the event to one client only.
func (b *SSEBroadcaster) BroadcastToClient(clientID string, event SSEEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.clients[clientID]; ok {
		select {
		case ch <- event:
		default:
			log.Printf("sse: dropping targeted event %q for slow client %s", event.Event, clientID)
		}
	}
}

func (b *SSEBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// handleSSE streams cell lifecycle events, AI job notifications and query
// progress frames to the browser until the client hangs up.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE_NOT_SUPPORTED",
			"streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx would buffer otherwise
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := uuid.New().String()
	ch := s.sse.Subscribe(clientID)
	defer s.sse.Unsubscribe(clientID)

	// Opening frame: tells the client the stream is live and how big the
	// mirror currently is.
	err := writeFrame(w, flusher, SSEEvent{
		Event: "connected",
		Data: map[string]interface{}{
			"client_id": clientID,
			"cells":     s.ins.GetSummary().CellCount,
		},
	})
	if err != nil {
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeFrame(w, flusher, evt); err != nil {
				return
			}

		case t := <-heartbeat.C:
			hb := SSEEvent{Event: "heartbeat", Data: map[string]int64{"t": t.Unix()}}
			if err := writeFrame(w, flusher, hb); err != nil {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, evt SSEEvent) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
