package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgxpool.Pool the repositories use. pgx.Tx
// satisfies it as well.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

type Database struct {
	Pool *pgxpool.Pool
}

type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

func NewDatabase(ctx context.Context, cfg Config) (*Database, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

func (d *Database) Close() {
	d.Pool.Close()
}

// AutoMigrate creates the tables the core reads and writes. Profile, card and
// persona CRUD live elsewhere; only the columns used here are declared.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            last_seen_activity TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS personas (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            name VARCHAR(100) NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT false,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            title VARCHAR(200) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            persona_id BIGINT REFERENCES personas(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conversation_id, persona_id)
        )`,

		`CREATE TABLE IF NOT EXISTS topics (
            id BIGSERIAL PRIMARY KEY,
            title VARCHAR(200) NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS topic_participants (
            topic_id BIGINT REFERENCES topics(id) ON DELETE CASCADE,
            persona_id BIGINT REFERENCES personas(id) ON DELETE CASCADE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (topic_id, persona_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGINT PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            author_persona_id BIGINT REFERENCES personas(id) ON DELETE SET NULL,
            author_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS posts (
            id BIGINT PRIMARY KEY,
            topic_id BIGINT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
            author_persona_id BIGINT REFERENCES personas(id) ON DELETE SET NULL,
            author_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
		`CREATE INDEX IF NOT EXISTS posts_topic_created_idx
            ON posts (topic_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS wiki_cards (
            id BIGSERIAL PRIMARY KEY,
            author_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
            title VARCHAR(200) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		// Read-only union the unread badge counts against.
		`CREATE OR REPLACE VIEW activity_stream AS
            SELECT 'message'::text AS type, m.id AS item_id,
                   COALESCE(p.name, u.username, '') AS actor_name,
                   c.title AS context_title,
                   '/conversations/' || c.id AS link,
                   m.created_at
            FROM messages m
            JOIN conversations c ON c.id = m.conversation_id
            LEFT JOIN personas p ON p.id = m.author_persona_id
            LEFT JOIN users u ON u.id = m.author_user_id
            UNION ALL
            SELECT 'post', po.id,
                   COALESCE(p.name, u.username, ''),
                   t.title,
                   '/topics/' || t.id,
                   po.created_at
            FROM posts po
            JOIN topics t ON t.id = po.topic_id
            LEFT JOIN personas p ON p.id = po.author_persona_id
            LEFT JOIN users u ON u.id = po.author_user_id
            UNION ALL
            SELECT 'wiki_card', w.id, COALESCE(u.username, ''), w.title,
                   '/wiki/' || w.id, w.created_at
            FROM wiki_cards w
            LEFT JOIN users u ON u.id = w.author_user_id
            UNION ALL
            SELECT 'persona', p.id, p.name, p.name,
                   '/personas/' || p.id, p.created_at
            FROM personas p`,
	}

	for _, query := range queries {
		if _, err := d.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
