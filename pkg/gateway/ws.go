package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brandmeonline/integrity-spine/pkg/api"
)

// writeWait bounds a single frame write so one stalled client cannot
// hold a wardrobe stream open.
const writeWait = 5 * time.Second

// Hub tracks live wardrobe connections so shutdown can close them. The
// per-owner fan-out itself rides the state cache's subscriptions; each
// connection owns exactly one.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]func()
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[*websocket.Conn]func()),
		logger: logger.With("component", "wardrobe-stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originCheck(allowedOrigins),
		},
	}
}

// originCheck admits browser clients from the configured CORS origins.
// Non-browser clients send no Origin header and always pass.
func originCheck(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *Hub) add(conn *websocket.Conn, cancel func()) {
	h.mu.Lock()
	h.conns[conn] = cancel
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	cancel, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// CloseAll cancels every subscription and closes every connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make(map[*websocket.Conn]func(), len(h.conns))
	for conn, cancel := range h.conns {
		conns[conn] = cancel
	}
	h.conns = make(map[*websocket.Conn]func())
	h.mu.Unlock()

	for conn, cancel := range conns {
		cancel()
		_ = conn.Close()
	}
}

// handleWardrobeStream upgrades to a websocket and streams the owner's
// wardrobe document changes as JSON frames. The subscription is taken
// before the upgrade so a failure can still answer over plain HTTP.
func (s *Server) handleWardrobeStream(w http.ResponseWriter, r *http.Request) {
	ownerID := r.PathValue("owner_id")
	if ownerID == "" {
		api.WriteValidation(w, r, "owner_id is required")
		return
	}

	events, cancel, err := s.cache.Subscribe(r.Context(), ownerID)
	if err != nil {
		api.WriteKindError(w, r, err)
		return
	}

	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Warn("wardrobe stream upgrade failed", "owner_id", ownerID, "error", err)
		return
	}
	s.hub.add(conn, cancel)
	s.logger.Info("wardrobe stream opened", "owner_id", ownerID)

	defer func() {
		s.hub.remove(conn)
		_ = conn.Close()
		s.logger.Info("wardrobe stream closed", "owner_id", ownerID)
	}()

	// Inbound frames are ignored; the read pump only detects the client
	// going away, which cancels the subscription and ends the write loop.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Warn("wardrobe stream write failed, dropping client",
				"owner_id", ownerID, "error", err)
			return
		}
	}

	// Subscription closed underneath us (cache shutdown or cancel).
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
}
