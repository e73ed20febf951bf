// Package push provides the websocket push channel that streaming events are delivered on.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/knoguchi/promptrelay/internal/metrics"
)

// ErrSubscriberNotFound is returned when publishing to a handle that is not connected.
var ErrSubscriberNotFound = errors.New("subscriber not found")

const defaultWriteTimeout = 10 * time.Second

// Message types sent by the hub itself.
const (
	TypeConnected = "connected"
	TypePong      = "pong"
)

type controlMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (s *subscriber) send(deadline time.Time, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(s.conn, v)
}

// Hub tracks connected subscribers by handle.
type Hub struct {
	logger         *slog.Logger
	allowedOrigins []string
	writeTimeout   time.Duration

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// HubOption is a functional option for configuring Hub.
type HubOption func(*Hub)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithAllowedOrigins restricts websocket handshakes to the given origins. "*" allows any.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		h.allowedOrigins = origins
	}
}

// WithWriteTimeout bounds a single write to a subscriber.
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		subs:         make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "push-hub")
	return h
}

// Handler returns the websocket endpoint.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serve,
	}
}

func (h *Hub) handshake(_ *websocket.Config, r *http.Request) error {
	if len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return nil
	}
	origin := r.Header.Get("Origin")
	if slices.Contains(h.allowedOrigins, origin) {
		return nil
	}
	return fmt.Errorf("origin %q not allowed", origin)
}

func (h *Hub) serve(conn *websocket.Conn) {
	id := uuid.NewString()
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	metrics.PushSubscribers.Inc()

	logger := h.logger.With("connection_id", id)
	logger.Info("subscriber connected", "remote_addr", conn.Request().RemoteAddr)

	defer func() {
		h.remove(id)
		conn.Close()
		logger.Info("subscriber disconnected")
	}()

	if err := sub.send(time.Now().Add(h.writeTimeout), controlMessage{Type: TypeConnected, ConnectionID: id}); err != nil {
		logger.Warn("failed to send connection handle", "error", err)
		return
	}

	// the deadline inherited from the HTTP server's ReadTimeout would end idle subscriptions
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		logger.Debug("failed to clear read deadline", "error", err)
	}

	// reads only detect disconnects and answer pings
	for {
		var msg controlMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			return
		}
		if msg.Type == "ping" {
			if err := sub.send(time.Now().Add(h.writeTimeout), controlMessage{Type: TypePong}); err != nil {
				return
			}
		}
	}
}

// Publish JSON-encodes v and writes it to the subscriber identified by id.
// A cancelled ctx returns ctx.Err() and leaves the subscriber connected.
// A write failure drops the subscriber and is reported as ErrSubscriberNotFound.
func (h *Hub) Publish(ctx context.Context, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}

	// ctx only gates the call; the write itself is bounded by writeTimeout
	if err := sub.send(time.Now().Add(h.writeTimeout), v); err != nil {
		h.remove(id)
		sub.conn.Close()
		return fmt.Errorf("%w: %s: %v", ErrSubscriberNotFound, id, err)
	}
	return nil
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	metrics.PushSubscribers.Sub(float64(len(subs)))
	for _, sub := range subs {
		sub.conn.Close()
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		metrics.PushSubscribers.Dec()
	}
}
