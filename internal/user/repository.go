package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"go-roleplay/internal/db"
	"go-roleplay/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrPersonaNotOwned = errors.New("persona does not belong to user")
)

type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// GetReadCursor returns the user's read cursor, or domain.Epoch for a user
// with no profile row yet.
func (r *Repository) GetReadCursor(ctx context.Context, userID int64) (time.Time, error) {
	var cursor time.Time
	err := r.db.QueryRow(ctx, `SELECT last_seen_activity FROM users WHERE id = $1`, userID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Epoch, nil
		}
		return time.Time{}, fmt.Errorf("reading cursor: %w", err)
	}
	return cursor.UTC(), nil
}

// AdvanceReadCursor sets the user's read cursor to the database's now() in
// a single write and returns the stored value. Item timestamps come from
// the same clock. An older value never replaces a newer one, so concurrent
// devices converge on the latest.
func (r *Repository) AdvanceReadCursor(ctx context.Context, userID int64) (time.Time, error) {
	var cursor time.Time
	err := r.db.QueryRow(ctx, `
		UPDATE users SET last_seen_activity = GREATEST(last_seen_activity, now())
		WHERE id = $1
		RETURNING last_seen_activity
	`, userID).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("writing cursor: %w", err)
	}
	return cursor.UTC(), nil
}

func (r *Repository) GetUser(ctx context.Context, userID int64) (*User, error) {
	u := &User{}
	err := r.db.QueryRow(ctx, `SELECT id, username, last_seen_activity FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &u.LastSeenActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// GetPersona returns a persona owned by userID.
func (r *Repository) GetPersona(ctx context.Context, userID, personaID int64) (*Persona, error) {
	p := &Persona{}
	err := r.db.QueryRow(ctx, `SELECT id, user_id, name, is_active FROM personas WHERE id = $1`, personaID).
		Scan(&p.ID, &p.UserID, &p.Name, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPersonaNotOwned
	}
	return p, nil
}
