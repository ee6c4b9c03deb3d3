package activity

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/logger"
	myMiddleware "go-roleplay/internal/middleware"
)

type UnreadResponse struct {
	Unread     int       `json:"unread"`
	ReadCursor time.Time `json:"read_cursor"`
}

type ListResponse struct {
	Entries    []domain.ActivityEntry `json:"entries"`
	Unread     int                    `json:"unread"`
	ReadCursor time.Time              `json:"read_cursor"`
}

type ReadResponse struct {
	ReadCursor time.Time `json:"read_cursor"`
}

// Handler serves the activity badge over HTTP for clients without a
// websocket. Each request runs against a fresh Tracker; the cursor store is
// the only state shared between requests.
type Handler struct {
	entries Store
	cursors CursorStore
	cfg     Config
}

func NewHandler(entries Store, cursors CursorStore, cfg Config) *Handler {
	return &Handler{entries: entries, cursors: cursors, cfg: cfg}
}

func (h *Handler) tracker(w http.ResponseWriter, r *http.Request) (*Tracker, *http.Request, bool) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, r, false
	}
	ctx := logger.WithLogFields(r.Context(), logger.LogFields{
		UserID:    logger.Ptr(userID),
		Component: "roleplay.activity.handler",
	})
	return NewTracker(userID, h.entries, h.cursors, h.cfg), r.WithContext(ctx), true
}

// Unread handles GET /api/activity/unread.
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	t, r, ok := h.tracker(w, r)
	if !ok {
		return
	}

	if err := t.Poll(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "unread poll failed", "error", err)
		http.Error(w, "activity unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, UnreadResponse{Unread: t.UnreadCount(), ReadCursor: t.ReadCursor()})
}

// List handles GET /api/activity.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	t, r, ok := h.tracker(w, r)
	if !ok {
		return
	}

	entries, err := t.OpenDetail(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "listing activity failed", "error", err)
		http.Error(w, "activity unavailable", http.StatusServiceUnavailable)
		return
	}
	t.CloseDetail()

	writeJSON(w, http.StatusOK, ListResponse{Entries: entries, Unread: t.UnreadCount(), ReadCursor: t.ReadCursor()})
}

// MarkRead handles POST /api/activity/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	t, r, ok := h.tracker(w, r)
	if !ok {
		return
	}

	cursor, err := t.MarkAllRead(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "mark all read failed", "error", err)
		http.Error(w, "could not mark activity read", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ReadResponse{ReadCursor: cursor})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
