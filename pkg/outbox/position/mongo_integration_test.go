package position

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoStoreLoadAdvanceRoundTrip(t *testing.T) {
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

	collection := client.Database("hermes_test").Collection(fmt.Sprintf("consumer_state_%d", time.Now().UnixNano()))
	defer collection.Drop(ctx)

	store := NewMongoStore(collection)

	token, count, err := store.Load(ctx, "c1", "p1")
	if err != nil {
		t.Fatalf("Load (creates doc): %v", err)
	}
	if token != "" || count != 0 {
		t.Fatalf("Load on fresh doc = (%q, %d), want (\"\", 0)", token, count)
	}

	if err := store.Advance(ctx, "c1", "p1", "resume-token-1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := store.SetRedeliveryCount(ctx, "c1", "p1", 2); err != nil {
		t.Fatalf("SetRedeliveryCount: %v", err)
	}

	token, count, err = store.Load(ctx, "c1", "p1")
	if err != nil {
		t.Fatalf("Load after advance: %v", err)
	}
	if token != "resume-token-1" {
		t.Errorf("token = %q, want %q", token, "resume-token-1")
	}
	if count != 2 {
		t.Errorf("redeliveryCount = %d, want 2", count)
	}

	// A token that does not sort after the stored one must not regress
	// last_position.
	if err := store.Advance(ctx, "c1", "p1", "resume-token-0"); err != nil {
		t.Fatalf("stale Advance: %v", err)
	}
	token, _, err = store.Load(ctx, "c1", "p1")
	if err != nil {
		t.Fatalf("Load after stale advance: %v", err)
	}
	if token != "resume-token-1" {
		t.Errorf("token after stale Advance = %q, want unchanged %q", token, "resume-token-1")
	}
}
