package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"go-roleplay/internal/db"
	"go-roleplay/internal/domain"
	"go-roleplay/internal/id"
)

// ErrNoContainer is returned for an unknown container kind or id.
var ErrNoContainer = errors.New("no such container")

// Cursor is a keyset position in a container's history. Items strictly
// before (At, ID) follow it.
type Cursor struct {
	At time.Time
	ID int64
}

func CursorOf(item domain.Item) Cursor {
	return Cursor{At: item.CreatedAt, ID: item.ID}
}

// Store reads and writes the items of one container. Queries return items
// newest first, ordered by (created_at, id) descending.
type Store interface {
	QueryRecent(ctx context.Context, kind domain.ContainerKind, containerID int64, limit int) ([]domain.Item, error)
	QueryBefore(ctx context.Context, kind domain.ContainerKind, containerID int64, before Cursor, limit int) ([]domain.Item, error)
	Insert(ctx context.Context, item domain.Item) (domain.Item, error)
}

const foreignKeyViolation = "23503"

type table struct {
	name string
	fk   string
}

var tables = map[domain.ContainerKind]table{
	domain.KindConversation: {name: "messages", fk: "conversation_id"},
	domain.KindTopic:        {name: "posts", fk: "topic_id"},
}

type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

func selectItems(t table, where string) string {
	return fmt.Sprintf(`
		SELECT i.id, i.%[2]s, i.author_persona_id, i.author_user_id,
		       COALESCE(p.name, u.username, ''), i.content, i.created_at
		FROM %[1]s i
		LEFT JOIN personas p ON p.id = i.author_persona_id
		LEFT JOIN users u ON u.id = i.author_user_id
		WHERE %[3]s
		ORDER BY i.created_at DESC, i.id DESC
	`, t.name, t.fk, where)
}

func (s *PGStore) QueryRecent(ctx context.Context, kind domain.ContainerKind, containerID int64, limit int) ([]domain.Item, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, ErrNoContainer
	}
	query := selectItems(t, "i."+t.fk+" = $1") + " LIMIT $2"
	return s.query(ctx, kind, query, containerID, limit)
}

func (s *PGStore) QueryBefore(ctx context.Context, kind domain.ContainerKind, containerID int64, before Cursor, limit int) ([]domain.Item, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, ErrNoContainer
	}
	query := selectItems(t, "i."+t.fk+" = $1 AND (i.created_at, i.id) < ($2, $3)") + " LIMIT $4"
	return s.query(ctx, kind, query, containerID, before.At, before.ID, limit)
}

func (s *PGStore) query(ctx context.Context, kind domain.ContainerKind, query string, args ...any) ([]domain.Item, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s items: %w", kind, err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		it := domain.Item{Kind: kind}
		if err := rows.Scan(&it.ID, &it.ContainerID, &it.AuthorPersonaID, &it.AuthorUserID,
			&it.AuthorName, &it.Content, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning %s item: %w", kind, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying %s items: %w", kind, err)
	}
	return items, nil
}

// Insert stores item and returns it with its id, timestamp and author name
// filled in. The database clock sets created_at.
func (s *PGStore) Insert(ctx context.Context, item domain.Item) (domain.Item, error) {
	t, ok := tables[item.Kind]
	if !ok {
		return domain.Item{}, ErrNoContainer
	}
	if item.ID == 0 {
		item.ID = id.New()
	}

	query := fmt.Sprintf(`
		WITH ins AS (
			INSERT INTO %[1]s (id, %[2]s, author_persona_id, author_user_id, content)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING author_persona_id, author_user_id, created_at
		)
		SELECT COALESCE(p.name, u.username, ''), ins.created_at
		FROM ins
		LEFT JOIN personas p ON p.id = ins.author_persona_id
		LEFT JOIN users u ON u.id = ins.author_user_id
	`, t.name, t.fk)

	err := s.db.QueryRow(ctx, query, item.ID, item.ContainerID, item.AuthorPersonaID, item.AuthorUserID, item.Content).
		Scan(&item.AuthorName, &item.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.Item{}, ErrNoContainer
		}
		return domain.Item{}, fmt.Errorf("inserting %s item: %w", item.Kind, err)
	}
	return item, nil
}
