package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store on a shared postgres pool, usable by every instance
// in a deployment. Each method is a single statement, so the atomicity
// guarantees come from the database rather than from application locking.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the backing table if absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        text PRIMARY KEY,
			value      bigint NOT NULL,
			expires_at timestamptz NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("kv schema: %w", err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, 1, now() + ($2 * interval '1 millisecond'))
		ON CONFLICT (key) DO UPDATE
		SET value = 1, expires_at = excluded.expires_at
		WHERE kv_entries.expires_at <= now()`,
		key, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("kv setnx %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var value int64
	err := p.db.QueryRow(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, 1, now() + ($2 * interval '1 millisecond'))
		ON CONFLICT (key) DO UPDATE
		SET value = CASE WHEN kv_entries.expires_at <= now() THEN 1 ELSE kv_entries.value + 1 END,
		    expires_at = CASE WHEN kv_entries.expires_at <= now()
		                      THEN now() + ($2 * interval '1 millisecond')
		                      ELSE kv_entries.expires_at END
		RETURNING value`,
		key, window.Milliseconds()).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("kv incr %q: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE kv_entries
		SET expires_at = now() + ($2 * interval '1 millisecond')
		WHERE key = $1 AND expires_at > now()`,
		key, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("kv extend %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Del(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv del %q: %w", key, err)
	}
	return nil
}
