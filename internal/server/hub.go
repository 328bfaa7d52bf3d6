package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loppo-llc/tabterm/internal/metrics"
)

// per-client queue depth before messages are dropped
const clientQueueSize = 256

// Envelope is the wire format of every websocket message in both
// directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	id   string
	send chan []byte
}

// Hub fans published events out to every connected websocket client. It
// implements terminal.EventSink and git.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	done    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*client),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Publish encodes one event and queues it for every client. A client whose
// queue is full misses the event.
func (h *Hub) Publish(event string, payload any) {
	data, err := json.Marshal(outbound{Type: event, Payload: payload})
	if err != nil {
		h.logger.Error("failed to encode event", "type", event, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping message for slow client", "client", c.id, "type", event)
		}
	}
}

func (h *Hub) register() (*client, bool) {
	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, clientQueueSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c.id] = c
	h.metrics.ClientConnected()
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		h.metrics.ClientDisconnected()
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}
