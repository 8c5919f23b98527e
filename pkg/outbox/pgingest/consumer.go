package pgingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hermesdb/hermes/internal/telemetry"
	"github.com/hermesdb/hermes/pkg/outbox"
	"github.com/hermesdb/hermes/pkg/outbox/auxiliary"
	"github.com/hermesdb/hermes/pkg/outbox/migrate"
	"github.com/hermesdb/hermes/pkg/outbox/position"
	"github.com/hermesdb/hermes/pkg/outbox/pubqueue"
)

// Config is everything needed to build a log-backend Consumer: the
// outbox.Options plus the Postgres-specific connection and table names
// from the external-interfaces table. The replication slot name is
// derived from Options.ConsumerName/PartitionKey, not configured here.
type Config struct {
	DSN                string
	OutboxTable        string
	AuxiliaryTable     string
	ConsumerStateTable string
	Publication        string

	Options outbox.Options
}

// NewConsumer connects, migrates the schema, and returns a ready-to-Start
// Consumer bound to the PostgreSQL logical-replication backend.
func NewConsumer(ctx context.Context, cfg Config) (*outbox.Consumer, error) {
	cfg.Options = cfg.Options.WithDefaults()

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("outbox: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox: ping postgres: %w", err)
	}

	migrator := migrate.NewPostgresMigrator(pool, migrate.PostgresOptions{
		OutboxTable:        cfg.OutboxTable,
		AuxiliaryTable:     cfg.AuxiliaryTable,
		ConsumerStateTable: cfg.ConsumerStateTable,
		Publication:        cfg.Publication,
	})
	if err := migrator.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}

	ingestor := New(Options{
		DSN:          cfg.DSN,
		Slot:         slotName(cfg.Options.ConsumerName, cfg.Options.PartitionKey),
		Publication:  cfg.Publication,
		OutboxTable:  cfg.OutboxTable,
		PartitionKey: cfg.Options.PartitionKey,
	})

	positionStore := position.NewPostgresStore(pool, cfg.ConsumerStateTable)
	writer := NewWriter(pool, cfg.OutboxTable)

	onFailedPublish := outbox.WithRedeliveryTracking(positionStore, cfg.Options.ConsumerName, cfg.Options.PartitionKey, cfg.Options.OnFailedPublish)

	var queue outbox.Queue
	if cfg.Options.Serialization {
		queue = pubqueue.NewSerial(cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			pubqueue.DefaultBackoffPolicy(cfg.Options.WaitAfterFailedPublish), slog.Default())
	} else {
		queue = pubqueue.NewPipelined(cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			pubqueue.DefaultBackoffPolicy(cfg.Options.WaitAfterFailedPublish), cfg.Options.PipelineConcurrency, slog.Default())
	}

	consumer, err := outbox.NewConsumer(cfg.Options, ingestor, queue, positionStore, writer, telemetry.Tracer(cfg.Options.ServiceName + "/pgingest"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.Options.Auxiliary != nil && cfg.AuxiliaryTable != "" {
		auxStore := auxiliary.NewStore(pool, cfg.AuxiliaryTable)
		consumer.SetAuxiliaryWriter(auxStore)
		consumer.SetAuxiliaryPoller(auxiliary.NewPoller(
			auxStore, cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			cfg.Options.Auxiliary.CheckInterval, cfg.Options.Auxiliary.BatchSize,
		))
	}

	return consumer, nil
}
