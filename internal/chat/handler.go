package chat

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	myMiddleware "go-roleplay/internal/middleware"
)

type Handler struct {
	hub      *Hub
	svc      Services
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint. With no allowed origins every
// origin is accepted, which is only meant for development.
func NewHandler(hub *Hub, svc Services, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		UserID:   userID,
		Username: username,
	}
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	client.session = NewSession(userID, h.svc, h.hub, client.enqueue)

	go client.session.Run(ctx)
	go client.WritePump()
	go client.ReadPump(ctx, cancel)
}
