package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Consumer binds an Ingestor, a Queue and a PositionStore behind the
// lifecycle described in spec.md §4.1. A Consumer is built by backend
// packages (pgingest, mongoingest), which supply the Ingestor/Writer
// implementation and call NewConsumer with it.
type Consumer struct {
	opts Options

	ingestor Ingestor
	queue    Queue
	position PositionStore
	writer   Writer
	auxiliar AuxiliaryWriter
	poller   lifecycle

	logger *slog.Logger
	tracer trace.Tracer

	state    *stateBox
	stopOnce sync.Once
	stopErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer wires the backend-agnostic run loop around a backend's
// Ingestor/Writer/PositionStore implementations. Backend packages call
// this from their own constructors and return the resulting *Consumer to
// their callers.
func NewConsumer(opts Options, ingestor Ingestor, queue Queue, position PositionStore, writer Writer, tracer trace.Tracer) (*Consumer, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Consumer{
		opts:     opts,
		ingestor: ingestor,
		queue:    queue,
		position: position,
		writer:   writer,
		logger:   slog.Default().With("consumer_name", opts.ConsumerName, "partition_key", opts.PartitionKey),
		tracer:   tracer,
		state:    newStateBox(),
		done:     make(chan struct{}),
	}, nil
}

// SetAuxiliaryWriter attaches the secondary-outbox writer used by Send.
// Backend constructors call this only when Options.Auxiliary is set.
func (c *Consumer) SetAuxiliaryWriter(w AuxiliaryWriter) { c.auxiliar = w }

// lifecycle is satisfied by the auxiliary poller; it is started alongside
// the ingest loop and torn down as part of Stop.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SetAuxiliaryPoller attaches the background poller that drains the
// secondary outbox. Backend constructors call this only when
// Options.Auxiliary is set.
func (c *Consumer) SetAuxiliaryPoller(p lifecycle) { c.poller = p }

// Start transitions Unstarted|Stopped -> Running, begins the ingest loop
// and, when DisposeOnSignal is set, installs a SIGINT/SIGTERM handler
// that calls Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.state.beginStart(); err != nil {
		return err
	}

	startToken, _, err := c.position.Load(ctx, c.opts.ConsumerName, c.opts.PartitionKey)
	if err != nil {
		c.state.set(StateStopped)
		return fmt.Errorf("outbox: loading position: %w", err)
	}

	batches, err := c.ingestor.Start(ctx, startToken)
	if err != nil {
		c.state.set(StateStopped)
		return fmt.Errorf("outbox: starting ingestor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.state.set(StateRunning)

	go c.run(runCtx, batches)

	if c.poller != nil {
		if err := c.poller.Start(runCtx); err != nil {
			c.state.set(StateStopped)
			return fmt.Errorf("outbox: starting auxiliary poller: %w", err)
		}
	}

	if c.opts.DisposeOnSignal {
		c.installSignalHandler(ctx)
	}
	return nil
}

func (c *Consumer) installSignalHandler(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCtx.Done()
		stop()
		_ = c.Stop(context.Background())
	}()
}

// run is the core loop: read a batch from the ingestor, submit it to the
// queue, and let the queue's ack callback advance the position store and
// feed the ingestor's heartbeat. When the ingestor's channel closes with
// a non-nil Err(), the stream is transport/protocol-level trouble rather
// than an intentional stop (Stop cancels ctx first, which the select
// below observes before the channel ever closes) — run restarts the
// ingestor from the last acknowledged position after a backoff instead
// of giving up on delivery for good.
func (c *Consumer) run(ctx context.Context, batches <-chan Batch) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				err := c.ingestor.Err()
				if err == nil {
					return
				}
				c.opts.OnDbError(fmt.Errorf("outbox: ingestor stopped: %w", err))

				next, restartErr := c.restart(ctx)
				if restartErr != nil {
					return
				}
				batches = next
				continue
			}
			c.submit(ctx, batch)
		}
	}
}

// restart reopens the ingestor from the last acknowledged position,
// retrying with exponential backoff until it succeeds or ctx is
// cancelled. It returns ctx.Err() in the latter case so run can give up
// cleanly.
func (c *Consumer) restart(ctx context.Context) (<-chan Batch, error) {
	attempt := 0
	for {
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.reconnectDelay(attempt)):
		}

		startToken, _, err := c.position.Load(ctx, c.opts.ConsumerName, c.opts.PartitionKey)
		if err != nil {
			c.opts.OnDbError(fmt.Errorf("outbox: loading position for restart: %w", err))
			continue
		}

		next, err := c.ingestor.Start(ctx, startToken)
		if err != nil {
			c.opts.OnDbError(fmt.Errorf("outbox: restarting ingestor: %w", err))
			continue
		}
		return next, nil
	}
}

// reconnectDelay returns the backoff before restart attempt number
// attempt (1-based): ReconnectBackoff * 2^(attempt-1), capped at
// ReconnectMaxBackoff.
func (c *Consumer) reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.opts.ReconnectBackoff) * math.Pow(2, float64(attempt-1))
	if max := float64(c.opts.ReconnectMaxBackoff); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func (c *Consumer) submit(ctx context.Context, batch Batch) {
	spanCtx, span := c.tracer.Start(ctx, "outbox.consume_batch")
	defer span.End()

	c.queue.Submit(ctx, batch, func(ackCtx context.Context, sourcePosition string) error {
		if err := c.position.Advance(ackCtx, c.opts.ConsumerName, c.opts.PartitionKey, sourcePosition); err != nil {
			c.opts.OnDbError(fmt.Errorf("outbox: advancing position: %w", err))
			return err
		}
		c.ingestor.Ack(sourcePosition)
		return nil
	})
	_ = spanCtx
}

// Stop tears the Consumer down. It is idempotent: calling it N times
// returns the same result N times and performs the teardown exactly once.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.state.set(StateStopping)
		if c.cancel != nil {
			c.cancel()
		}
		if c.done != nil {
			<-c.done
		}
		if c.poller != nil {
			_ = c.poller.Stop(ctx)
		}
		c.queue.Drain(ctx)
		c.stopErr = c.ingestor.Stop(ctx)
		c.state.set(StateStopped)
	})
	return c.stopErr
}

// Enqueue writes messages to the primary outbox, atomically with tx when
// tx is non-nil. It requires the Consumer to be Running.
func (c *Consumer) Enqueue(ctx context.Context, tx any, messages ...Message) error {
	if err := c.state.requireRunning(); err != nil {
		return err
	}
	if c.writer == nil {
		return fmt.Errorf("outbox: no primary writer configured")
	}
	return c.writer.Enqueue(ctx, tx, c.opts.PartitionKey, messages)
}

// Send writes messages to the secondary (polling) outbox. It requires the
// Consumer to be Running and Options.Auxiliary to be configured.
func (c *Consumer) Send(ctx context.Context, tx any, messages ...Message) error {
	if err := c.state.requireRunning(); err != nil {
		return err
	}
	if c.auxiliar == nil {
		return ErrAuxiliaryNotConfigured
	}
	return c.auxiliar.Send(ctx, tx, messages)
}

// State reports the Consumer's current lifecycle stage.
func (c *Consumer) State() State { return c.state.get() }

// WithRedeliveryTracking wraps a FailedPublishFunc so every failed
// publish attempt also persists its attempt count to the position store,
// ahead of calling the original callback. Backend packages use this to
// build the FailedPublishFunc they hand to the publishing queue, so a
// crash between attempts resumes with an accurate RedeliveryCount.
func WithRedeliveryTracking(store PositionStore, consumerName, partitionKey string, original FailedPublishFunc) FailedPublishFunc {
	if original == nil {
		original = func(Batch, int, error) {}
	}
	return func(batch Batch, attempt int, err error) {
		_ = store.SetRedeliveryCount(context.Background(), consumerName, partitionKey, attempt)
		original(batch, attempt, err)
	}
}
