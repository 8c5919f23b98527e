// Package outbox implements the transactional-outbox runtime: it binds a
// storage-engine ingestor, a publishing queue, and a position store behind
// a per-partition Consumer that guarantees at-least-once, in-order delivery
// of rows enqueued atomically with a host transaction.
package outbox

import (
	"context"
	"time"
)

// DefaultPartitionKey is used when a caller does not supply one.
const DefaultPartitionKey = "default"

// Message is the envelope a caller passes to Enqueue or Send. MessageID is
// opaque and supplied by the caller; it is intended to be deterministic so
// that duplicate enqueues (e.g. after a retried business transaction) are
// idempotent from the host's point of view.
type Message struct {
	MessageID   string
	MessageType string
	Payload     []byte // opaque JSON value; the engine never reflects over it
}

// Envelope is what the publish callback receives: a Message plus the
// metadata the storage engine assigned at insert/observation time.
type Envelope struct {
	Message
	Position        int64
	SourcePosition  string // opaque upstream position token (HI/LO hex or a resume token)
	RedeliveryCount int
}

// Batch is a non-empty, totally ordered sequence of delivered envelopes
// that shared a transaction upstream (or, for the change-feed backend, a
// single-row "transaction" of one).
type Batch struct {
	TransactionID  string
	SourcePosition string // the commit position token
	CommitTime     time.Time
	Envelopes      []Envelope
}

// PublishFunc is the user-supplied callback. A normal return means the
// batch was delivered; a returned error means retry after a configured
// delay. The callback must tolerate being invoked more than once for the
// same message (at-least-once delivery).
type PublishFunc func(ctx context.Context, envelopes []Envelope) error

// AckFunc advances the acknowledged position once a batch's callback has
// run. Implementations persist the consumer-state row and, for the log
// backend, feed the standby-status heartbeat.
type AckFunc func(ctx context.Context, sourcePosition string) error

// FailedPublishFunc is the onFailedPublish error sink. It is invoked once
// per failed attempt, before the retry wait begins.
type FailedPublishFunc func(batch Batch, attempt int, err error)

// DBErrorFunc is the onDbError error sink.
type DBErrorFunc func(err error)

// Clock abstracts wall-clock time so tests can inject a fixed now().
type Clock func() time.Time
