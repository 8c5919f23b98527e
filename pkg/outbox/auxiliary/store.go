// Package auxiliary implements the polling secondary outbox: a table of
// unsent rows read in batches, delivered through the same publish callback
// as the primary log-streaming path, with a background poller sweeping it
// on a fixed interval. A row whose publish fails has its fails_count
// incremented and is tried again on a later sweep; no backoff policy is
// applied.
package auxiliary

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// Store is the Postgres-backed secondary outbox.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

func NewStore(pool *pgxpool.Pool, table string) *Store {
	return &Store{pool: pool, table: table}
}

// Send inserts rows into the secondary outbox, atomically with tx when
// tx is a pgx.Tx.
func (s *Store) Send(ctx context.Context, tx any, messages []outbox.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if userTx, ok := tx.(pgx.Tx); ok {
		return s.insert(ctx, userTx, messages)
	}
	ownTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin send transaction: %w", err)
	}
	defer ownTx.Rollback(ctx)
	if err := s.insert(ctx, ownTx, messages); err != nil {
		return err
	}
	return ownTx.Commit(ctx)
}

func (s *Store) insert(ctx context.Context, tx pgx.Tx, messages []outbox.Message) error {
	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (message_id, message_type, payload) VALUES ($1, $2, $3)`, s.table),
			m.MessageID, m.MessageType, m.Payload,
		)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range messages {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("outbox: insert auxiliary row: %w", err)
		}
	}
	return nil
}

// claimRows selects up to limit undelivered rows FOR UPDATE SKIP LOCKED.
// The query runs on the pool outside any transaction, so the row locks are
// released when the statement completes; two concurrent pollers can claim
// and publish the same row.
func (s *Store) claimRows(ctx context.Context, limit int) ([]polledRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, message_id, message_type, payload, fails_count FROM %s
		 WHERE NOT delivered
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, s.table), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim auxiliary rows: %w", err)
	}
	defer rows.Close()

	var out []polledRow
	for rows.Next() {
		var id int64
		var r polledRow
		if err := rows.Scan(&id, &r.messageID, &r.messageType, &r.payload, &r.failsCount); err != nil {
			return nil, fmt.Errorf("outbox: scan auxiliary row: %w", err)
		}
		r.id = id
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) markDeliveredRow(ctx context.Context, id any) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET delivered = true, sent_at = $2 WHERE id = $1`, s.table),
		id.(int64), time.Now().UTC())
	return err
}

func (s *Store) incrementFailsRow(ctx context.Context, id any, failsCount int) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET fails_count = $2 WHERE id = $1`, s.table),
		id.(int64), failsCount)
	return err
}
