package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/logger"
	"go-roleplay/internal/membership"
	myMiddleware "go-roleplay/internal/middleware"
	"go-roleplay/internal/user"
)

const maxPageSize = 200

// PersonaOwner is satisfied by *user.Repository.
type PersonaOwner interface {
	GetPersona(ctx context.Context, userID, personaID int64) (*user.Persona, error)
}

// Resolver is satisfied by *membership.Resolver.
type Resolver interface {
	CheckParticipant(ctx context.Context, containerID, personaID int64) error
}

type PageCursor struct {
	BeforeAt time.Time `json:"before_at"`
	BeforeID int64     `json:"before_id"`
}

type ItemsResponse struct {
	Items        []domain.Item `json:"items"`
	HasMoreOlder bool          `json:"has_more_older"`
	Next         *PageCursor   `json:"next,omitempty"`
}

// Handler serves container history pages over HTTP. It is stateless; the
// client carries the keyset cursor between requests.
type Handler struct {
	store     Store
	owner     PersonaOwner
	resolvers map[domain.ContainerKind]Resolver
	batch     int
}

func NewHandler(store Store, owner PersonaOwner, conversations, topics Resolver, batch int) *Handler {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Handler{
		store: store,
		owner: owner,
		resolvers: map[domain.ContainerKind]Resolver{
			domain.KindConversation: conversations,
			domain.KindTopic:        topics,
		},
		batch: batch,
	}
}

// KindFromPath maps a route segment to a container kind.
func KindFromPath(segment string) (domain.ContainerKind, bool) {
	switch segment {
	case "conversations":
		return domain.KindConversation, true
	case "topics":
		return domain.KindTopic, true
	}
	return "", false
}

// Items handles GET /api/{kind}/{id}/items?persona_id=&before_at=&before_id=&limit=.
func (h *Handler) Items(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	kind, ok := KindFromPath(chi.URLParam(r, "kind"))
	if !ok {
		http.Error(w, "unknown container kind", http.StatusNotFound)
		return
	}
	containerID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || containerID <= 0 {
		http.Error(w, "invalid container id", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	personaID, err := strconv.ParseInt(q.Get("persona_id"), 10, 64)
	if err != nil {
		http.Error(w, "persona_id is required", http.StatusBadRequest)
		return
	}

	limit := h.batch
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(limit, maxPageSize)
	}

	var before *Cursor
	if v := q.Get("before_at"); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid before_at", http.StatusBadRequest)
			return
		}
		// Without an id, items at exactly before_at are excluded.
		beforeID := int64(0)
		if v := q.Get("before_id"); v != "" {
			beforeID, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid before_id", http.StatusBadRequest)
				return
			}
		}
		before = &Cursor{At: at, ID: beforeID}
	}

	ctx := logger.WithLogFields(r.Context(), logger.LogFields{
		UserID:      logger.Ptr(userID),
		PersonaID:   logger.Ptr(personaID),
		ContainerID: logger.Ptr(containerID),
		Component:   "roleplay.history.handler",
	})

	if _, err := h.owner.GetPersona(ctx, userID, personaID); err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrPersonaNotOwned) {
			http.Error(w, "persona not found", http.StatusForbidden)
			return
		}
		slog.ErrorContext(ctx, "persona lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.resolvers[kind].CheckParticipant(ctx, containerID, personaID); err != nil {
		if errors.Is(err, membership.ErrNotMember) {
			http.Error(w, "not a participant", http.StatusForbidden)
			return
		}
		slog.WarnContext(ctx, "membership lookup failed", "error", err)
		http.Error(w, "membership unavailable", http.StatusServiceUnavailable)
		return
	}

	var page []domain.Item
	if before == nil {
		page, err = h.store.QueryRecent(ctx, kind, containerID, limit)
	} else {
		page, err = h.store.QueryBefore(ctx, kind, containerID, *before, limit)
	}
	if err != nil {
		slog.WarnContext(ctx, "history page failed", "error", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := ItemsResponse{
		Items:        make([]domain.Item, 0, len(page)),
		HasMoreOlder: len(page) == limit,
	}
	for i := len(page) - 1; i >= 0; i-- {
		resp.Items = append(resp.Items, page[i])
	}
	if len(resp.Items) > 0 {
		first := resp.Items[0]
		resp.Next = &PageCursor{BeforeAt: first.CreatedAt, BeforeID: first.ID}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
