package migrate

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions names the collections a MongoMigrator ensures.
type MongoOptions struct {
	Database       string
	OutboxCollection    string
	AuxiliaryCollection string // empty disables the secondary outbox
	ConsumerStateCollection string
}

// MongoMigrator ensures the change-feed backend's collections and
// indexes exist. MongoDB collections are created implicitly on first
// write, so this only needs to ensure indexes.
type MongoMigrator struct {
	client *mongo.Client
	opts   MongoOptions
}

func NewMongoMigrator(client *mongo.Client, opts MongoOptions) *MongoMigrator {
	return &MongoMigrator{client: client, opts: opts}
}

func (m *MongoMigrator) Migrate(ctx context.Context) error {
	db := m.client.Database(m.opts.Database)

	outbox := db.Collection(m.opts.OutboxCollection)
	if _, err := outbox.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "partitionKey", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("ensure outbox index: %w", err)
	}

	state := db.Collection(m.opts.ConsumerStateCollection)
	if _, err := state.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "consumer_name", Value: 1}, {Key: "partition_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure consumer state index: %w", err)
	}

	if m.opts.AuxiliaryCollection != "" {
		aux := db.Collection(m.opts.AuxiliaryCollection)
		if _, err := aux.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "delivered", Value: 1}, {Key: "createdAt", Value: 1}},
		}); err != nil {
			return fmt.Errorf("ensure auxiliary index: %w", err)
		}
	}
	return nil
}
