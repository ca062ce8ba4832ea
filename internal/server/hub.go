package server

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/auricleai/auricle/internal/catalog"
	"github.com/auricleai/auricle/internal/metrics"
)

// clientBuffer is the per-connection send queue depth. A client that cannot
// keep up loses events rather than stalling the emitters.
const clientBuffer = 64

// Hub broadcasts catalog events (new_conversation, update_conversation,
// delete_conversation, new_utterance) to all connected websocket clients as
// JSON messages of the form {"event": ..., "payload": ...}.
type Hub struct {
	authToken string
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub creates a hub. An empty authToken disables the connect check.
func NewHub(authToken string, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		authToken: authToken,
		metrics:   m,
		logger:    logger.With(slog.String("component", "hub")),
		clients:   make(map[*websocket.Conn]chan []byte),
	}
}

// Handler returns the fiber handler serving websocket connections. The route
// must be guarded by an upgrade check (websocket.IsWebSocketUpgrade).
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *Hub) serve(c *websocket.Conn) {
	defer c.Close()

	if h.authToken != "" && !h.authorized(c) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = c.WriteMessage(websocket.CloseMessage, msg)
		h.logger.Warn("Rejected websocket client", slog.String("remote_addr", c.RemoteAddr().String()))
		return
	}

	send, ok := h.register(c)
	if !ok {
		return
	}
	defer h.unregister(c)

	h.logger.Info("Websocket client connected",
		slog.String("remote_addr", c.RemoteAddr().String()),
		slog.Int("clients", h.ClientCount()))

	go func() {
		for msg := range send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Inbound messages are ignored; the read loop only notices disconnects.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	h.logger.Info("Websocket client disconnected",
		slog.String("remote_addr", c.RemoteAddr().String()))
}

// authorized accepts the token either as a "token" query parameter or as a
// bearer Authorization header. Browsers cannot set headers on websocket
// connects, hence the query form.
func (h *Hub) authorized(c *websocket.Conn) bool {
	if c.Query("token") == h.authToken {
		return true
	}
	header := c.Headers(fiber.HeaderAuthorization)
	return strings.TrimPrefix(header, "Bearer ") == h.authToken
}

func (h *Hub) register(c *websocket.Conn) (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	send := make(chan []byte, clientBuffer)
	h.clients[c] = send
	return send, true
}

func (h *Hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit broadcasts an event to every connected client. Slow clients drop the
// message. Safe to call from any goroutine, including with zero clients.
func (h *Hub) Emit(event string, payload any) {
	h.observe(event, payload)

	msg, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		h.logger.Error("Failed to encode event",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			h.logger.Warn("Dropping event for slow websocket client",
				slog.String("event", event),
				slog.String("remote_addr", conn.RemoteAddr().String()))
		}
	}
}

// observe keeps the conversation lifecycle counters in step with the event
// stream, which sees every detection, completion, failure, and deletion
// exactly once.
func (h *Hub) observe(event string, payload any) {
	if h.metrics == nil {
		return
	}
	switch event {
	case "new_conversation":
		h.metrics.RecordConversationDetected()
	case "delete_conversation":
		h.metrics.RecordConversationDeleted()
	case "update_conversation":
		conv, ok := payload.(*catalog.Conversation)
		if !ok {
			return
		}
		switch conv.State {
		case catalog.StateCompleted:
			var seconds float64
			if conv.Segment != nil && conv.Segment.Duration != nil {
				seconds = *conv.Segment.Duration
			}
			h.metrics.RecordConversationCompleted(seconds)
		case catalog.StateFailed:
			h.metrics.RecordConversationFailed()
		}
	}
}

// Close disconnects all clients and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for conn, send := range h.clients {
		close(send)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
