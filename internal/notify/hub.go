package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fare-scraper/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	hubClientBuffer = 64
	hubWriteWait    = 10 * time.Second
	hubPingPeriod   = 30 * time.Second
)

// Hub broadcasts every message as JSON to connected websocket clients.
// Slow clients whose buffer is full miss messages rather than block senders.
type Hub struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.RWMutex
	clients map[string]chan []byte
}

// NewHub returns a hub with no clients.
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[string]chan []byte),
	}
}

// ClientCount is the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcasts marks the hub as a listener fan-out for Multi.
func (h *Hub) Broadcasts() bool { return true }

// Send queues msg for every connected client and reports whether any took it.
func (h *Hub) Send(_ context.Context, msg Message) (bool, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for id, ch := range h.clients {
		select {
		case ch <- data:
			sent++
		default:
			h.log.Warn("Dropping message for slow websocket client", logger.String("client_id", id))
		}
	}
	return sent > 0, nil
}

func (h *Hub) subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, hubClientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	id, ch := h.subscribe()
	defer h.unsubscribe(id)
	h.log.Debug("Websocket client connected", logger.String("client_id", id), logger.Int("clients", h.ClientCount()))

	// reader only watches for close frames
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(hubPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case data := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
