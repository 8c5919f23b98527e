package outbox

import "context"

// Ingestor turns an upstream log/change-feed into ordered transaction
// batches. Implementations live in pkg/outbox/pgingest (PostgreSQL logical
// replication) and pkg/outbox/mongoingest (MongoDB change streams).
type Ingestor interface {
	// Start begins streaming from startPosition (the last acknowledged
	// source position token, or "" for the beginning of the retained
	// window). It returns ErrConsumerAlreadyTaken if another live
	// consumer already holds the slot/partition.
	Start(ctx context.Context, startPosition string) (<-chan Batch, error)
	// Ack informs the ingestor that everything up to and including
	// sourcePosition has been durably acknowledged, so it can advance
	// its heartbeat/standby-status reporting.
	Ack(sourcePosition string)
	// Err returns the error that ended the stream, if any.
	Err() error
	// Stop tears down the ingestor's connection. Idempotent.
	Stop(ctx context.Context) error
}

// Queue is the publishing-queue contract shared by the serialized and
// pipelined implementations in pkg/outbox/pubqueue.
type Queue interface {
	// Submit hands a batch to the queue for publishing. ack is invoked
	// once the batch (and every batch before it, in commit order) has
	// been durably published. ctx governs the publish call and its
	// retry backoff wait; cancelling it (via the Consumer's own
	// shutdown) cancels an in-flight retry wait immediately.
	Submit(ctx context.Context, batch Batch, ack AckFunc)
	// Drain stops accepting new submissions, then blocks until every
	// submitted batch has been acknowledged or the context is cancelled.
	Drain(ctx context.Context)
}

// PositionStore persists the consumer-state row described in spec.md §3.
type PositionStore interface {
	// Load returns the last-acknowledged position token and redelivery
	// counter for (consumerName, partitionKey), creating the row with a
	// zero-value token if it does not already exist.
	Load(ctx context.Context, consumerName, partitionKey string) (token string, redeliveryCount int, err error)
	// Advance persists a new last-acknowledged token and resets the
	// redelivery counter to zero. token must be monotonically greater
	// than whatever is currently stored; implementations enforce this by
	// silently dropping an Advance call whose token does not exceed the
	// stored one, rather than regressing the row.
	Advance(ctx context.Context, consumerName, partitionKey, token string) error
	// SetRedeliveryCount persists the current attempt count for the
	// oldest un-acknowledged transaction, ahead of a retry.
	SetRedeliveryCount(ctx context.Context, consumerName, partitionKey string, count int) error
}

// Writer inserts rows into the primary outbox. tx, when non-nil, is a
// backend-native transaction handle (e.g. pgx.Tx or a mongo.SessionContext)
// supplied by the host; when nil the writer opens and commits its own.
type Writer interface {
	Enqueue(ctx context.Context, tx any, partitionKey string, messages []Message) error
}

// AuxiliaryWriter inserts rows into the secondary (polling) outbox.
type AuxiliaryWriter interface {
	Send(ctx context.Context, tx any, messages []Message) error
}

// Migrator idempotently creates the schema objects a backend needs
// (tables/collections, indexes, publication/slot or resume-token storage).
type Migrator interface {
	Migrate(ctx context.Context) error
}
