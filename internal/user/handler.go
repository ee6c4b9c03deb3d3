package user

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	myMiddleware "go-roleplay/internal/middleware"
)

// ProfileStore is satisfied by *Repository.
type ProfileStore interface {
	GetUser(ctx context.Context, userID int64) (*User, error)
}

type Handler struct {
	repo ProfileStore
}

func NewHandler(repo ProfileStore) *Handler {
	return &Handler{repo: repo}
}

// Me returns the authenticated user and their read cursor.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	u, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "loading profile failed", "error", err, "user_id", userID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MeResponse{
		ID:         u.ID,
		Username:   u.Username,
		ReadCursor: u.LastSeenActivity.UTC().Truncate(time.Millisecond),
	})
}
