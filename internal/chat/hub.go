package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/feed"
	"go-roleplay/internal/history"
	"go-roleplay/internal/logger"
)

const publishTimeout = 5 * time.Second

var ErrHubStopped = errors.New("hub stopped")

// Hub tracks the connected clients of this node and runs the publish path.
// Sends are stored and announced on the change feed one at a time, so the
// feed sees this node's items in the order they were stored.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	publish    chan publishRequest
	done       chan struct{}
	items      history.Store
	feed       feed.Feed
}

func NewHub(items history.Store, f feed.Feed) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan publishRequest),
		done:       make(chan struct{}),
		items:      items,
		feed:       f,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "roleplay.chat.hub"})

	for {
		select {
		case <-ctx.Done():
			// Closing the connections ends the read pumps, which tear the
			// sessions down.
			for _, set := range h.clients {
				for client := range set {
					client.closeConn()
				}
			}
			slog.InfoContext(ctx, "hub stopped")
			return

		case client := <-h.register:
			set, ok := h.clients[client.UserID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			slog.DebugContext(ctx, "client connected", "user_id", client.UserID, "connections", len(set))

		case client := <-h.unregister:
			set := h.clients[client.UserID]
			if _, ok := set[client]; ok {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.UserID)
				}
				close(client.Send)
			}

		case req := <-h.publish:
			item, err := h.storeAndPublish(req.ctx, req.item)
			req.reply <- publishResult{item: item, err: err}
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its Send channel. It reports false
// if the hub had already stopped, in which case the caller owns Send.
func (h *Hub) Unregister(client *Client) bool {
	select {
	case h.unregister <- client:
		return true
	case <-h.done:
		return false
	}
}

// Publish stores item and announces it on the change feed. It returns the
// stored item once it is durable; a failed announcement is only logged,
// since the activity poll still picks the item up.
func (h *Hub) Publish(ctx context.Context, item domain.Item) (domain.Item, error) {
	req := publishRequest{ctx: ctx, item: item, reply: make(chan publishResult, 1)}

	select {
	case h.publish <- req:
	case <-ctx.Done():
		return domain.Item{}, ctx.Err()
	case <-h.done:
		return domain.Item{}, ErrHubStopped
	}

	select {
	case res := <-req.reply:
		return res.item, res.err
	case <-ctx.Done():
		return domain.Item{}, ctx.Err()
	}
}

func (h *Hub) storeAndPublish(ctx context.Context, item domain.Item) (domain.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	stored, err := h.items.Insert(ctx, item)
	if err != nil {
		return domain.Item{}, fmt.Errorf("storing %s item: %w", item.Kind, err)
	}

	ev := domain.Event{Class: domain.ClassFor(stored.Kind), Item: stored}
	if err := h.feed.Publish(ctx, ev); err != nil {
		slog.WarnContext(ctx, "feed publish failed", "error", err, "event", ev.Key())
	}
	return stored, nil
}
