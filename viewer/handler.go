package viewer

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Handler upgrades requests to WebSocket viewer sessions. The entity id comes
// from the "id" route parameter, or the "id" query parameter when the route
// has none. An optional "group" query parameter tags the viewer.
//
// Sessions run on the request context, so cancelling the server's base
// context ends them.
type Handler struct {
	hub          *Hub
	source       StateSource
	publisher    ListenerPublisher
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sessionOpts  []SessionOption
	logger       *slog.Logger
}

// HandlerOption configures the Handler
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithWriteTimeout bounds each write to a viewer
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithSessionOptions applies opts to every session
func WithSessionOptions(opts ...SessionOption) HandlerOption {
	return func(h *Handler) {
		h.sessionOpts = append(h.sessionOpts, opts...)
	}
}

// WithCheckOrigin replaces the origin check. All origins are accepted by default.
func WithCheckOrigin(fn func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// NewHandler creates a viewer handler.
func NewHandler(hub *Hub, source StateSource, publisher ListenerPublisher, options ...HandlerOption) *Handler {
	h := &Handler{
		hub:          hub,
		source:       source,
		publisher:    publisher,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	if entityID == "" {
		entityID = r.URL.Query().Get("id")
	}
	if entityID == "" {
		http.Error(w, ErrEmptyEntityID.Error(), http.StatusBadRequest)
		return
	}
	group := r.URL.Query().Get("group")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "entityId", entityID, "error", err)
		return
	}
	conn := newWSConn(ws, h.writeTimeout, h.logger)

	h.logger.Info("viewer connected",
		"entityId", entityID,
		"group", group,
		"remoteAddr", conn.remoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The peer never sends anything meaningful; reading only detects it leaving.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		_ = conn.readUntilClosed()
	}()

	opts := append([]SessionOption{WithGroup(group), WithSessionLogger(h.logger)}, h.sessionOpts...)
	session := NewSession(entityID, conn, h.hub, h.source, h.publisher, opts...)
	if err := session.Run(ctx); err != nil {
		h.logger.Error("viewer session failed",
			"entityId", entityID,
			"group", group,
			"error", err)
	}

	<-readerDone
	h.logger.Info("viewer disconnected", "entityId", entityID, "group", group)
}
