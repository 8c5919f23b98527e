package auxiliary

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/pkg/outbox"
)

func TestMongoStoreSendClaimMarkDelivered(t *testing.T) {
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

	collection := client.Database("hermes_test").Collection(fmt.Sprintf("outbox_auxiliary_%d", time.Now().UnixNano()))
	defer collection.Drop(ctx)

	store := NewMongoStore(collection)

	if err := store.Send(ctx, nil, []outbox.Message{
		{MessageID: "m1", MessageType: "order.created", Payload: []byte(`{"id":1}`)},
		{MessageID: "m2", MessageType: "order.created", Payload: []byte(`{"id":2}`)},
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	claimed, err := store.claimRows(ctx, 10)
	if err != nil {
		t.Fatalf("claimRows: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimRows returned %d docs, want 2", len(claimed))
	}

	if err := store.markDeliveredRow(ctx, claimed[0].id); err != nil {
		t.Fatalf("markDeliveredRow: %v", err)
	}

	remaining, err := store.claimRows(ctx, 10)
	if err != nil {
		t.Fatalf("claimRows after delivery: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("claimRows after delivery returned %d docs, want 1", len(remaining))
	}
	if remaining[0].messageID != claimed[1].messageID {
		t.Errorf("remaining doc = %q, want %q", remaining[0].messageID, claimed[1].messageID)
	}

	if err := store.incrementFailsRow(ctx, remaining[0].id, 3); err != nil {
		t.Fatalf("incrementFailsRow: %v", err)
	}
	afterFail, err := store.claimRows(ctx, 10)
	if err != nil {
		t.Fatalf("claimRows after fail increment: %v", err)
	}
	if len(afterFail) != 1 || afterFail[0].failsCount != 3 {
		t.Fatalf("afterFail = %+v, want failsCount 3", afterFail)
	}
}
