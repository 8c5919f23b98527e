package pubqueue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
	"github.com/sony/gobreaker"
)

// Pipelined is the non-blocking publishing queue: up to Concurrency
// publish callbacks run at once, but their completions are replayed back
// into commit order — via a min-heap keyed on submission sequence —
// before any batch is acknowledged. The publish callback itself is
// wrapped in a sony/gobreaker circuit breaker so a failing sink trips
// open and fails fast instead of piling up concurrent retries.
type Pipelined struct {
	publish         outbox.PublishFunc
	onFailedPublish outbox.FailedPublishFunc
	onDbError       outbox.DBErrorFunc
	backoff         BackoffPolicy
	logger          *slog.Logger
	breaker         *gobreaker.CircuitBreaker

	sem chan struct{}

	seqMu   sync.Mutex
	nextSeq int64
	nextAck int64
	ready   *readyHeap

	wg        sync.WaitGroup
	closed    atomic.Bool
	drainOnce sync.Once
}

// NewPipelined starts a pipelined queue bounded at concurrency in-flight
// publish callbacks.
func NewPipelined(publish outbox.PublishFunc, onFailedPublish outbox.FailedPublishFunc, onDbError outbox.DBErrorFunc, backoff BackoffPolicy, concurrency int, logger *slog.Logger) *Pipelined {
	if concurrency < 1 {
		concurrency = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox.publish",
		MaxRequests: uint32(concurrency),
		Timeout:     30 * time.Second,
	})
	return &Pipelined{
		publish:         publish,
		onFailedPublish: onFailedPublish,
		onDbError:       onDbError,
		backoff:         backoff,
		logger:          logger,
		breaker:         breaker,
		sem:             make(chan struct{}, concurrency),
		ready:           newReadyHeap(),
	}
}

func (q *Pipelined) Submit(ctx context.Context, batch outbox.Batch, ack outbox.AckFunc) {
	if q.closed.Load() {
		return
	}
	q.seqMu.Lock()
	seq := q.nextSeq
	q.nextSeq++
	q.seqMu.Unlock()

	q.sem <- struct{}{}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		published := q.publishWithRetry(ctx, batch)
		<-q.sem
		if !published {
			// ctx was cancelled mid-retry (Stop/Drain): the batch was never
			// delivered, so it must not be acked. Leave the sequence hole
			// unfilled; drainReady simply stops advancing past it, and
			// nothing after this point still needs to ack anyway.
			return
		}
		q.ready.Add(&completion{
			seq: seq,
			run: func() {
				if err := ack(context.Background(), batch.SourcePosition); err != nil {
					q.onDbError(err)
				}
			},
		})
		q.drainReady()
	}()
}

// drainReady replays completed entries into the ack stream strictly in
// submission order: it only advances when the lowest outstanding seq has
// finished, so a batch committed before another is always acknowledged
// first even though the two publish calls may finish out of order.
func (q *Pipelined) drainReady() {
	for {
		q.seqMu.Lock()
		want := q.nextAck
		q.seqMu.Unlock()

		c, ok := q.ready.PopIfSeq(want)
		if !ok {
			return
		}
		c.run()

		q.seqMu.Lock()
		q.nextAck++
		q.seqMu.Unlock()
	}
}

// publishWithRetry retries batch's publish until it succeeds or ctx is
// cancelled, reporting which of the two happened so the caller never acks
// a batch that was never actually delivered.
func (q *Pipelined) publishWithRetry(ctx context.Context, batch outbox.Batch) bool {
	attempt := 0
	for {
		attempt++
		for i := range batch.Envelopes {
			batch.Envelopes[i].RedeliveryCount = attempt - 1
		}
		_, err := q.breaker.Execute(func() (interface{}, error) {
			return nil, q.publish(ctx, batch.Envelopes)
		})
		if err == nil {
			return true
		}
		q.onFailedPublish(batch, attempt, err)
		q.logger.Warn("publish failed, retrying", "tx", batch.TransactionID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(calculateBackoff(attempt, q.backoff)):
		}
	}
}

func (q *Pipelined) Drain(ctx context.Context) {
	q.drainOnce.Do(func() {
		q.closed.Store(true)
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
