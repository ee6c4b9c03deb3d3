package feed

import (
	"context"
	"errors"

	"go-roleplay/internal/domain"
)

var (
	ErrClosed        = errors.New("feed closed")
	ErrUnknownHandle = errors.New("unknown subscription handle")
)

// Filter decides, before the handler runs, whether an event is wanted.
// A nil Filter accepts everything.
type Filter func(domain.Event) bool

// Handler receives filtered events. Delivery is at-least-once.
type Handler func(ctx context.Context, ev domain.Event)

// Handle identifies one live registration.
type Handle struct {
	ID    string
	Class domain.EventClass
}

// Feed is the change feed items are published to and consumed from.
type Feed interface {
	// Subscribe returns once the registration has been acknowledged.
	Subscribe(ctx context.Context, class domain.EventClass, filter Filter, handler Handler) (Handle, error)
	// Unsubscribe returns once handler can no longer be invoked for h.
	Unsubscribe(ctx context.Context, h Handle) error
	Publish(ctx context.Context, ev domain.Event) error
}

func accept(filter Filter, ev domain.Event) bool {
	return filter == nil || filter(ev)
}
