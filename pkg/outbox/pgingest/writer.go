package pgingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// Writer inserts rows into the primary outbox table, atomically with a
// caller-supplied transaction when one is given.
type Writer struct {
	pool  *pgxpool.Pool
	table string
}

func NewWriter(pool *pgxpool.Pool, table string) *Writer {
	return &Writer{pool: pool, table: table}
}

// Enqueue satisfies outbox.Writer. tx, when non-nil, must be a pgx.Tx the
// caller already holds open on the same connection as their own writes;
// when nil, Enqueue opens and commits its own transaction.
func (w *Writer) Enqueue(ctx context.Context, tx any, partitionKey string, messages []outbox.Message) error {
	if len(messages) == 0 {
		return nil
	}

	if userTx, ok := tx.(pgx.Tx); ok {
		return w.insert(ctx, userTx, partitionKey, messages)
	}

	ownTx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin enqueue transaction: %w", err)
	}
	defer ownTx.Rollback(ctx)

	if err := w.insert(ctx, ownTx, partitionKey, messages); err != nil {
		return err
	}
	return ownTx.Commit(ctx)
}

func (w *Writer) insert(ctx context.Context, tx pgx.Tx, partitionKey string, messages []outbox.Message) error {
	batch := &pgx.Batch{}
	for _, m := range messages {
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (partition_key, message_id, message_type, payload) VALUES ($1, $2, $3, $4)`, w.table),
			partitionKey, m.MessageID, m.MessageType, m.Payload,
		)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range messages {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("outbox: insert outbox row: %w", err)
		}
	}
	return nil
}
