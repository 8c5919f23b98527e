// Package position implements outbox.PositionStore for the consumer-state
// row described in the data model: one row per (consumer_name,
// partition_key) holding the last-acknowledged source position token and
// a redelivery counter.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists consumer-state rows in Postgres.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore wraps an already-open pool. table defaults to
// "hermes_consumer_state".
func NewPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	if table == "" {
		table = "hermes_consumer_state"
	}
	return &PostgresStore{pool: pool, table: table}
}

func (s *PostgresStore) Load(ctx context.Context, consumerName, partitionKey string) (string, int, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT last_position, redelivery_count FROM %s WHERE consumer_name = $1 AND partition_key = $2`,
		s.table,
	), consumerName, partitionKey)

	var token string
	var count int
	err := row.Scan(&token, &count)
	switch {
	case err == nil:
		return token, count, nil
	case errors.Is(err, pgx.ErrNoRows):
		if _, insertErr := s.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (consumer_name, partition_key, last_position, redelivery_count, created_at, updated_at)
			 VALUES ($1, $2, '', 0, $3, $3)
			 ON CONFLICT (consumer_name, partition_key) DO NOTHING`,
			s.table,
		), consumerName, partitionKey, time.Now().UTC()); insertErr != nil {
			return "", 0, fmt.Errorf("initializing consumer state: %w", insertErr)
		}
		return "", 0, nil
	default:
		return "", 0, fmt.Errorf("loading consumer state: %w", err)
	}
}

// Advance persists token as the new last_position, but only if it is
// monotonically greater than whatever is currently stored (comparing as
// pg_lsn, not as text, so "0/10" correctly sorts after "0/9"). A stale or
// duplicate ack — e.g. a retried completion racing a newer one — is
// silently dropped rather than regressing the row.
func (s *PostgresStore) Advance(ctx context.Context, consumerName, partitionKey, token string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (consumer_name, partition_key, last_position, redelivery_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)
		 ON CONFLICT (consumer_name, partition_key)
		 DO UPDATE SET last_position = EXCLUDED.last_position, redelivery_count = 0, updated_at = EXCLUDED.updated_at
		 WHERE %s.last_position = '' OR %s.last_position::pg_lsn < EXCLUDED.last_position::pg_lsn`,
		s.table, s.table, s.table,
	), consumerName, partitionKey, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advancing consumer state: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRedeliveryCount(ctx context.Context, consumerName, partitionKey string, count int) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET redelivery_count = $3, updated_at = $4 WHERE consumer_name = $1 AND partition_key = $2`,
		s.table,
	), consumerName, partitionKey, count, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating redelivery count: %w", err)
	}
	return nil
}
