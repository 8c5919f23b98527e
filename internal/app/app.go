// Package app wires a Hermes Consumer together from internal/config and
// runs it until its context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hermesdb/hermes/internal/config"
	"github.com/hermesdb/hermes/pkg/outbox"
	"github.com/hermesdb/hermes/pkg/outbox/mongoingest"
	"github.com/hermesdb/hermes/pkg/outbox/pgingest"
	"github.com/hermesdb/hermes/pkg/outbox/webhook"
)

// Run builds a Consumer for cfg.Backend, starts it, and blocks until ctx
// is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	publisher := webhook.New(webhook.Config{
		URL:     cfg.Webhook.URL,
		Timeout: cfg.Webhook.Timeout,
	})

	opts := outbox.Options{
		ConsumerName:           cfg.Consumer.Name,
		PartitionKey:           cfg.Consumer.PartitionKey,
		ServiceName:            cfg.Telemetry.ServiceName,
		Publish:                publisher.Publish,
		WaitAfterFailedPublish: cfg.Consumer.WaitAfterFailedPublish,
		Serialization:          cfg.Consumer.Serialization,
		PipelineConcurrency:    cfg.Consumer.PipelineConcurrency,
		DisposeOnSignal:        cfg.Consumer.DisposeOnSignal,
		OnFailedPublish: func(batch outbox.Batch, attempt int, err error) {
			slog.Error("outbox: publish failed", "transaction_id", batch.TransactionID, "attempt", attempt, "error", err)
		},
		OnDbError: func(err error) {
			slog.Error("outbox: storage error", "error", err)
		},
	}
	if cfg.Consumer.AuxiliaryEnabled {
		opts.Auxiliary = &outbox.AuxiliaryOptions{
			CheckInterval: cfg.Consumer.AuxiliaryCheckInterval,
			BatchSize:     cfg.Consumer.AuxiliaryBatchSize,
		}
	}

	var consumer *outbox.Consumer
	var err error
	switch cfg.Backend {
	case config.BackendPostgres:
		consumer, err = pgingest.NewConsumer(ctx, pgingest.Config{
			DSN:                cfg.Postgres.DSN,
			OutboxTable:        cfg.Postgres.OutboxTable,
			AuxiliaryTable:     cfg.Postgres.AuxiliaryTable,
			ConsumerStateTable: cfg.Postgres.ConsumerStateTable,
			Publication:        cfg.Postgres.Publication,
			Options:            opts,
		})
	case config.BackendMongo:
		consumer, err = mongoingest.NewConsumer(ctx, mongoingest.Config{
			URI:                     cfg.Mongo.URI,
			Database:                cfg.Mongo.Database,
			OutboxCollection:        cfg.Mongo.OutboxCollection,
			AuxiliaryCollection:     cfg.Mongo.AuxiliaryCollection,
			ConsumerStateCollection: cfg.Mongo.ConsumerStateCollection,
			Options:                 opts,
		})
	default:
		return fmt.Errorf("app: unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("app: build consumer: %w", err)
	}

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("app: start consumer: %w", err)
	}

	<-ctx.Done()
	stopErr := consumer.Stop(context.Background())
	if stopErr != nil && !errors.Is(stopErr, context.Canceled) {
		return fmt.Errorf("app: stop consumer: %w", stopErr)
	}
	return nil
}
