package auxiliary

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// polledRow is a backend-agnostic view of a claimed secondary-outbox
// row; id is opaque (int64 for Postgres, an ObjectID for MongoDB) and is
// only ever round-tripped back into markDelivered/incrementFails.
type polledRow struct {
	id          any
	messageID   string
	messageType string
	payload     []byte
	failsCount  int
}

// claimer is implemented by Store (Postgres) and MongoStore (MongoDB).
type claimer interface {
	claimRows(ctx context.Context, limit int) ([]polledRow, error)
	markDeliveredRow(ctx context.Context, id any) error
	incrementFailsRow(ctx context.Context, id any, failsCount int) error
}

// Poller periodically claims undelivered secondary-outbox rows and runs
// them through the same publish callback as the primary path. Each tick
// is skipped if the previous tick is still running, the way
// lifecycle.RetryManager's ticker drives checkInflightTimeouts/
// checkRetrySchedule without overlapping runs.
type Poller struct {
	store         claimer
	publish       outbox.PublishFunc
	onFailed      outbox.FailedPublishFunc
	onDbError     outbox.DBErrorFunc
	checkInterval time.Duration
	batchSize     int
	maxFails      int
	logger        *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(store claimer, publish outbox.PublishFunc, onFailed outbox.FailedPublishFunc, onDbError outbox.DBErrorFunc, checkInterval time.Duration, batchSize int) *Poller {
	if checkInterval <= 0 {
		checkInterval = outbox.DefaultAuxiliaryCheckInterval
	}
	if batchSize <= 0 {
		batchSize = outbox.DefaultAuxiliaryBatchSize
	}
	return &Poller{
		store:         store,
		publish:       publish,
		onFailed:      onFailed,
		onDbError:     onDbError,
		checkInterval: checkInterval,
		batchSize:     batchSize,
		maxFails:      10,
		logger:        slog.Default(),
	}
}

func (p *Poller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				continue
			}
			p.tick(ctx)
			p.running.Store(false)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	rows, err := p.store.claimRows(ctx, p.batchSize)
	if err != nil {
		p.onDbError(err)
		return
	}
	for _, row := range rows {
		env := outbox.Envelope{
			Message: outbox.Message{
				MessageID:   row.messageID,
				MessageType: row.messageType,
				Payload:     row.payload,
			},
			RedeliveryCount: row.failsCount,
		}
		if err := p.publish(ctx, []outbox.Envelope{env}); err != nil {
			fails := row.failsCount + 1
			p.onFailed(outbox.Batch{TransactionID: row.messageID, Envelopes: []outbox.Envelope{env}}, fails, err)
			if dbErr := p.store.incrementFailsRow(ctx, row.id, fails); dbErr != nil {
				p.onDbError(dbErr)
			}
			if fails >= p.maxFails {
				p.logger.Error("auxiliary row exceeded max fails", "message_id", row.messageID, "fails", fails)
			}
			continue
		}
		if err := p.store.markDeliveredRow(ctx, row.id); err != nil {
			p.onDbError(err)
		}
	}
}
