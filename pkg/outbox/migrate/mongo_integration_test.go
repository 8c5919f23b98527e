package migrate

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoMigratorCreatesIndexes(t *testing.T) {
	uri := os.Getenv("TEST_HERMES_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_HERMES_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	defer client.Disconnect(ctx)

	database := fmt.Sprintf("hermes_migrate_test_%d", time.Now().UnixNano())
	defer client.Database(database).Drop(ctx)

	opts := MongoOptions{
		Database:                database,
		OutboxCollection:        "outbox",
		AuxiliaryCollection:     "outbox_auxiliary",
		ConsumerStateCollection: "consumer_state",
	}
	migrator := NewMongoMigrator(client, opts)
	if err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	cursor, err := client.Database(database).Collection(opts.OutboxCollection).Indexes().List(ctx)
	if err != nil {
		t.Fatalf("list outbox indexes: %v", err)
	}
	var indexes []map[string]any
	if err := cursor.All(ctx, &indexes); err != nil {
		t.Fatalf("decode indexes: %v", err)
	}
	// Every collection gets an implicit _id index plus the one Migrate creates.
	if len(indexes) < 2 {
		t.Errorf("outbox indexes = %d, want at least 2", len(indexes))
	}
}
