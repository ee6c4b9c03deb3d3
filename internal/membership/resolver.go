package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const defaultLookupTimeout = 3 * time.Second

// Resolver answers whether a persona participates in a container.
// IsParticipant fails closed for background filtering; CheckParticipant
// reports a failed lookup apart from ErrNotMember so a user action can be
// retried.
type Resolver struct {
	store   Store
	timeout time.Duration
}

type Option func(*Resolver)

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{store: store, timeout: defaultLookupTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckParticipant returns nil for a member, ErrNotMember for a
// non-member, and the wrapped lookup error otherwise.
func (r *Resolver) CheckParticipant(ctx context.Context, containerID, personaID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.store.FindMembership(ctx, containerID, personaID)
	if err != nil && !errors.Is(err, ErrNotMember) {
		return fmt.Errorf("checking membership of persona %d in %d: %w", personaID, containerID, err)
	}
	return err
}

func (r *Resolver) IsParticipant(ctx context.Context, containerID, personaID int64) bool {
	err := r.CheckParticipant(ctx, containerID, personaID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotMember):
		return false
	default:
		slog.WarnContext(ctx, "membership lookup failed, treating as non-member",
			"error", err,
			"container_id", containerID,
			"persona_id", personaID)
		return false
	}
}
