package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-cloud/nimbus-console/internal/platform/db"
)

// Postgres persists console state in a single upsert table:
//
//	CREATE TABLE console_state (
//	    key   TEXT PRIMARY KEY,
//	    value TEXT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM console_state WHERE key = $1`
	var value string
	if err := p.pool.QueryRow(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv/postgres: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (p *Postgres) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO console_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := p.pool.Exec(ctx, query, key, value); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return fmt.Errorf("kv/postgres: console_state table missing, run migrations: %w", err)
		}
		return fmt.Errorf("kv/postgres: set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM console_state WHERE key = $1`
	if _, err := p.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("kv/postgres: delete %s: %w", key, err)
	}
	return nil
}

// Clear implements Store. All keys go in one transaction so a logout never
// leaves a token behind with its tenant selection removed.
func (p *Postgres) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		const query = `DELETE FROM console_state WHERE key = $1`
		for _, key := range keys {
			if _, err := tx.Exec(ctx, query, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv/postgres: clear: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
