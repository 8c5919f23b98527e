package mongoingest

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/internal/telemetry"
	"github.com/hermesdb/hermes/pkg/outbox"
	"github.com/hermesdb/hermes/pkg/outbox/auxiliary"
	"github.com/hermesdb/hermes/pkg/outbox/migrate"
	"github.com/hermesdb/hermes/pkg/outbox/position"
	"github.com/hermesdb/hermes/pkg/outbox/pubqueue"
)

// Config is everything needed to build a change-feed-backend Consumer.
type Config struct {
	URI                     string
	Database                string
	OutboxCollection        string
	AuxiliaryCollection     string
	ConsumerStateCollection string

	Options outbox.Options
}

// NewConsumer connects, ensures indexes, and returns a ready-to-Start
// Consumer bound to the MongoDB change-stream backend.
func NewConsumer(ctx context.Context, cfg Config) (*outbox.Consumer, error) {
	cfg.Options = cfg.Options.WithDefaults()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("outbox: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("outbox: ping mongo: %w", err)
	}

	migrator := migrate.NewMongoMigrator(client, migrate.MongoOptions{
		Database:                cfg.Database,
		OutboxCollection:        cfg.OutboxCollection,
		AuxiliaryCollection:     cfg.AuxiliaryCollection,
		ConsumerStateCollection: cfg.ConsumerStateCollection,
	})
	if err := migrator.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}

	db := client.Database(cfg.Database)
	outboxColl := db.Collection(cfg.OutboxCollection)
	consumerStateColl := db.Collection(cfg.ConsumerStateCollection)

	ingestor := New(Options{
		Collection:    outboxColl,
		PartitionKey:  cfg.Options.PartitionKey,
		ConsumerState: consumerStateColl,
		ConsumerName:  cfg.Options.ConsumerName,
	})

	positionStore := position.NewMongoStore(consumerStateColl)
	writer := NewWriter(outboxColl, db.Collection("hermes_counters"))

	onFailedPublish := outbox.WithRedeliveryTracking(positionStore, cfg.Options.ConsumerName, cfg.Options.PartitionKey, cfg.Options.OnFailedPublish)

	var queue outbox.Queue
	if cfg.Options.Serialization {
		queue = pubqueue.NewSerial(cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			pubqueue.DefaultBackoffPolicy(cfg.Options.WaitAfterFailedPublish), slog.Default())
	} else {
		queue = pubqueue.NewPipelined(cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			pubqueue.DefaultBackoffPolicy(cfg.Options.WaitAfterFailedPublish), cfg.Options.PipelineConcurrency, slog.Default())
	}

	consumer, err := outbox.NewConsumer(cfg.Options, ingestor, queue, positionStore, writer, telemetry.Tracer(cfg.Options.ServiceName + "/mongoingest"))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	if cfg.Options.Auxiliary != nil && cfg.AuxiliaryCollection != "" {
		auxStore := auxiliary.NewMongoStore(db.Collection(cfg.AuxiliaryCollection))
		consumer.SetAuxiliaryWriter(auxStore)
		consumer.SetAuxiliaryPoller(auxiliary.NewPoller(
			auxStore, cfg.Options.Publish, onFailedPublish, cfg.Options.OnDbError,
			cfg.Options.Auxiliary.CheckInterval, cfg.Options.Auxiliary.BatchSize,
		))
	}

	return consumer, nil
}
