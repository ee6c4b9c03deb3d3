package activity

import (
	"context"
	"fmt"
	"time"

	"go-roleplay/internal/db"
	"go-roleplay/internal/domain"
)

// Store queries the activity stream view.
type Store interface {
	// CountSince counts entries created strictly after since.
	CountSince(ctx context.Context, since time.Time) (int, error)
	// ListSince returns up to limit entries created strictly after since,
	// newest first.
	ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ActivityEntry, error)
}

// CursorStore persists each user's read cursor. AdvanceReadCursor moves the
// cursor to the store's own now, the clock that stamps items, and returns
// the stored value. The cursor never moves backwards.
type CursorStore interface {
	GetReadCursor(ctx context.Context, userID int64) (time.Time, error)
	AdvanceReadCursor(ctx context.Context, userID int64) (time.Time, error)
}

type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

func (s *PGStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM activity_stream WHERE created_at > $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting activity: %w", err)
	}
	return int(n), nil
}

func (s *PGStore) ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ActivityEntry, error) {
	query := `
		SELECT type, item_id, actor_name, context_title, link, created_at
		FROM activity_stream
		WHERE created_at > $1
		ORDER BY created_at DESC, item_id DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	entries := []domain.ActivityEntry{}
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.Type, &e.ItemID, &e.ActorName, &e.ContextTitle, &e.Link, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	return entries, nil
}
