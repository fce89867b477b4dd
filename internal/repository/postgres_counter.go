package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresCounterRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCounterRepository(pool *pgxpool.Pool) *PostgresCounterRepository {
	return &PostgresCounterRepository{pool: pool}
}

func (r *PostgresCounterRepository) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS usage_counters (
			key        TEXT PRIMARY KEY,
			count      INTEGER NOT NULL,
			reset_at   TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS usage_counters_reset_idx ON usage_counters (reset_at);
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create usage_counters: %w", err)
	}
	return nil
}

func (r *PostgresCounterRepository) Peek(ctx context.Context, key string, now time.Time) (int, error) {
	const query = `SELECT count FROM usage_counters WHERE key = $1 AND reset_at > $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, key, now).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select counter: %w", err)
	}
	return count, nil
}

func (r *PostgresCounterRepository) Increment(ctx context.Context, key string, resetAt time.Time, now time.Time) (int, error) {
	const query = `
		INSERT INTO usage_counters (key, count, reset_at, created_at, updated_at)
		VALUES ($1, 1, $2, $3, $3)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN usage_counters.reset_at <= $3 THEN 1 ELSE usage_counters.count + 1 END,
			reset_at = CASE WHEN usage_counters.reset_at <= $3 THEN EXCLUDED.reset_at ELSE usage_counters.reset_at END,
			updated_at = $3
		RETURNING count
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, key, resetAt, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("upsert counter: %w", err)
	}
	return count, nil
}

func (r *PostgresCounterRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM usage_counters WHERE reset_at < $1`
	cmd, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired counters: %w", err)
	}
	return cmd.RowsAffected(), nil
}
