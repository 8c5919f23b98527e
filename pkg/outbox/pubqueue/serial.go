package pubqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// submission pairs a batch with the ack callback the Consumer supplied
// and the context governing its publish/retry lifetime.
type submission struct {
	ctx   context.Context
	batch outbox.Batch
	ack   outbox.AckFunc
}

// Serial is the serialized publishing queue: at most one publish callback
// runs at a time, strictly in the order batches were submitted.
type Serial struct {
	publish         outbox.PublishFunc
	onFailedPublish outbox.FailedPublishFunc
	onDbError       outbox.DBErrorFunc
	backoff         BackoffPolicy
	logger          *slog.Logger

	in   chan submission
	done chan struct{}
}

// NewSerial starts the queue's worker goroutine.
func NewSerial(publish outbox.PublishFunc, onFailedPublish outbox.FailedPublishFunc, onDbError outbox.DBErrorFunc, backoff BackoffPolicy, logger *slog.Logger) *Serial {
	q := &Serial{
		publish:         publish,
		onFailedPublish: onFailedPublish,
		onDbError:       onDbError,
		backoff:         backoff,
		logger:          logger,
		in:              make(chan submission, 1),
		done:            make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Serial) Submit(ctx context.Context, batch outbox.Batch, ack outbox.AckFunc) {
	q.in <- submission{ctx: ctx, batch: batch, ack: ack}
}

func (q *Serial) Drain(ctx context.Context) {
	close(q.in)
	select {
	case <-q.done:
	case <-ctx.Done():
	}
}

func (q *Serial) run() {
	defer close(q.done)
	for s := range q.in {
		q.publishWithRetry(s)
	}
}

func (q *Serial) publishWithRetry(s submission) {
	ctx := s.ctx
	attempt := 0
	for {
		attempt++
		for i := range s.batch.Envelopes {
			s.batch.Envelopes[i].RedeliveryCount = attempt - 1
		}
		err := q.publish(ctx, s.batch.Envelopes)
		if err == nil {
			if ackErr := s.ack(context.Background(), s.batch.SourcePosition); ackErr != nil {
				q.onDbError(ackErr)
			}
			return
		}
		q.onFailedPublish(s.batch, attempt, err)
		q.logger.Warn("publish failed, retrying", "tx", s.batch.TransactionID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(calculateBackoff(attempt, q.backoff)):
		}
	}
}
