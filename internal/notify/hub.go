// Package notify delivers fire-and-forget events to connected clients over
// websockets and publishes booking lifecycle events to NATS.
package notify

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var wsDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notify_ws_deliveries_total",
	Help: "Websocket deliveries partitioned by outcome.",
}, []string{"outcome"})

// Envelope is the frame written to a client connection.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Hub tracks one websocket session per user id. Delivery is at-most-once: a
// missing or broken session drops the event, it never fails the caller.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]*session),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Attach registers a connection for the user, replacing any previous session.
func (h *Hub) Attach(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	prev := h.sessions[userID]
	h.sessions[userID] = &session{conn: conn}
	h.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Detach drops the user's session if conn is still the registered one.
func (h *Hub) Detach(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	if current, ok := h.sessions[userID]; ok && current.conn == conn {
		delete(h.sessions, userID)
	}
	h.mu.Unlock()
}

// Connected reports whether the user currently has a session.
func (h *Hub) Connected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// Send implements domain.NotificationPort.
func (h *Hub) Send(_ context.Context, targetID uuid.UUID, event string, payload any) error {
	h.mu.RLock()
	sess, ok := h.sessions[targetID]
	h.mu.RUnlock()
	if !ok {
		wsDeliveriesTotal.WithLabelValues("no_session").Inc()
		return nil
	}
	if err := sess.write(Envelope{Event: event, Payload: payload}); err != nil {
		wsDeliveriesTotal.WithLabelValues("write_error").Inc()
		h.logger.Warn("websocket delivery failed",
			zap.String("target_id", targetID.String()),
			zap.String("event", event),
			zap.Error(err))
		h.Detach(targetID, sess.conn)
		return nil
	}
	wsDeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

// ServeHTTP upgrades the request and parks the connection until the client
// goes away. The user identity comes from the user_id query parameter; the
// gateway authenticates the token before proxying here.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.Attach(userID, conn)
	h.logger.Debug("websocket attached", zap.String("user_id", userID.String()))

	// drain control frames; the first read error ends the session
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.Detach(userID, conn)
	_ = conn.Close()
}
