package mongoingest

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// defaultLeaseTTL bounds how long a claimed consumer-state row stays
// claimed without a renewal before another process may steal it, the way
// a crashed consumer's replication slot would eventually show
// active=false on the Postgres side.
const defaultLeaseTTL = 30 * time.Second

// lease enforces the same at-most-one-active-streamer-per-partition
// invariant pgingest gets for free from pg_replication_slots.active, by
// storing an owner_id/lease_expires_at pair on the consumer-state row
// shared with position.MongoStore.
type lease struct {
	collection   *mongo.Collection
	consumerName string
	partitionKey string
	ownerID      string
	ttl          time.Duration
}

func newLease(collection *mongo.Collection, consumerName, partitionKey, ownerID string, ttl time.Duration) *lease {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &lease{
		collection:   collection,
		consumerName: consumerName,
		partitionKey: partitionKey,
		ownerID:      ownerID,
		ttl:          ttl,
	}
}

// claim atomically takes ownership of the (consumerName, partitionKey)
// row unless it is already held by a different, unexpired owner. It
// returns outbox.ErrConsumerAlreadyTaken in that case, mirroring
// pgingest's slotTakenByOther check.
func (l *lease) claim(ctx context.Context) error {
	now := time.Now().UTC()
	filter := bson.M{
		"consumer_name": l.consumerName,
		"partition_key": l.partitionKey,
		"$or": []bson.M{
			{"owner_id": bson.M{"$in": []any{"", nil}}},
			{"owner_id": l.ownerID},
			{"lease_expires_at": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"owner_id":         l.ownerID,
			"lease_expires_at": now.Add(l.ttl),
			"updated_at":       now,
		},
		"$setOnInsert": bson.M{
			"consumer_name": l.consumerName,
			"partition_key": l.partitionKey,
			"last_position": "",
		},
	}
	err := l.collection.FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetUpsert(true)).Err()
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return outbox.ErrConsumerAlreadyTaken
	case mongo.IsDuplicateKeyError(err):
		// The filter missed because another owner holds the row, so the
		// upsert tried to insert a second row for the same partition.
		return outbox.ErrConsumerAlreadyTaken
	default:
		return fmt.Errorf("outbox: claim consumer lease: %w", err)
	}
}

// renew refreshes the lease's expiry. Called periodically for the
// lifetime of a running Ingestor so a live consumer's lease never
// expires out from under it.
func (l *lease) renew(ctx context.Context) error {
	now := time.Now().UTC()
	filter := bson.M{
		"consumer_name": l.consumerName,
		"partition_key": l.partitionKey,
		"owner_id":      l.ownerID,
	}
	update := bson.M{"$set": bson.M{"lease_expires_at": now.Add(l.ttl), "updated_at": now}}
	_, err := l.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("outbox: renew consumer lease: %w", err)
	}
	return nil
}

// release clears ownership so another consumer can claim the partition
// immediately instead of waiting out the lease TTL.
func (l *lease) release(ctx context.Context) error {
	filter := bson.M{
		"consumer_name": l.consumerName,
		"partition_key": l.partitionKey,
		"owner_id":      l.ownerID,
	}
	update := bson.M{"$set": bson.M{"owner_id": "", "lease_expires_at": time.Time{}}}
	_, err := l.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("outbox: release consumer lease: %w", err)
	}
	return nil
}

// runRenewals renews the lease every interval (a third of the TTL) until
// ctx is cancelled. A failed renewal is ignored and the next tick tries
// again.
func (l *lease) runRenewals(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.renew(ctx)
		}
	}
}
