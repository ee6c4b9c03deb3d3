package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"go-roleplay/internal/db"
	"go-roleplay/internal/domain"
)

// ErrNotMember is returned when no membership row exists.
var ErrNotMember = errors.New("not a member")

type Membership struct {
	ContainerID int64
	PersonaID   int64
	JoinedAt    time.Time
}

// Store looks up one container kind's membership relation.
type Store interface {
	FindMembership(ctx context.Context, containerID, personaID int64) (Membership, error)
}

// PGStore reads a participants table. Use Conversations or Topics.
type PGStore struct {
	db    db.Querier
	query string
	kind  domain.ContainerKind
}

func Conversations(q db.Querier) *PGStore {
	return &PGStore{
		db:    q,
		kind:  domain.KindConversation,
		query: `SELECT conversation_id, persona_id, joined_at FROM conversation_participants WHERE conversation_id = $1 AND persona_id = $2`,
	}
}

func Topics(q db.Querier) *PGStore {
	return &PGStore{
		db:    q,
		kind:  domain.KindTopic,
		query: `SELECT topic_id, persona_id, joined_at FROM topic_participants WHERE topic_id = $1 AND persona_id = $2`,
	}
}

func (s *PGStore) FindMembership(ctx context.Context, containerID, personaID int64) (Membership, error) {
	var m Membership
	err := s.db.QueryRow(ctx, s.query, containerID, personaID).Scan(&m.ContainerID, &m.PersonaID, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrNotMember
		}
		return Membership{}, fmt.Errorf("finding %s membership: %w", s.kind, err)
	}
	return m, nil
}
