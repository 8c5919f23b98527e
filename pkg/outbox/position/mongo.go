package position

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists consumer-state documents for the change-feed
// backend, keyed the same way as PostgresStore.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

type consumerStateDoc struct {
	ConsumerName    string    `bson:"consumer_name"`
	PartitionKey    string    `bson:"partition_key"`
	LastPosition    string    `bson:"last_position"`
	RedeliveryCount int       `bson:"redelivery_count"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (s *MongoStore) Load(ctx context.Context, consumerName, partitionKey string) (string, int, error) {
	filter := bson.M{"consumer_name": consumerName, "partition_key": partitionKey}
	var doc consumerStateDoc
	err := s.collection.FindOne(ctx, filter).Decode(&doc)
	switch {
	case err == nil:
		return doc.LastPosition, doc.RedeliveryCount, nil
	case err == mongo.ErrNoDocuments:
		_, insertErr := s.collection.UpdateOne(ctx, filter, bson.M{
			"$setOnInsert": consumerStateDoc{
				ConsumerName: consumerName,
				PartitionKey: partitionKey,
				UpdatedAt:    time.Now().UTC(),
			},
		}, options.Update().SetUpsert(true))
		if insertErr != nil {
			return "", 0, fmt.Errorf("initializing consumer state: %w", insertErr)
		}
		return "", 0, nil
	default:
		return "", 0, fmt.Errorf("loading consumer state: %w", err)
	}
}

// Advance persists token as the new last_position, but only if it is
// monotonically greater than whatever is currently stored. Resume tokens
// are hex-encoded with a fixed-width timestamp/ordinal prefix, so string
// comparison orders them the same way their underlying cluster time
// does. A stale or duplicate ack is silently dropped rather than
// regressing the row.
func (s *MongoStore) Advance(ctx context.Context, consumerName, partitionKey, token string) error {
	filter := bson.M{
		"consumer_name": consumerName,
		"partition_key": partitionKey,
		"$or": []bson.M{
			{"last_position": ""},
			{"last_position": bson.M{"$lt": token}},
		},
	}
	update := bson.M{"$set": bson.M{
		"last_position":    token,
		"redelivery_count": 0,
		"updated_at":       time.Now().UTC(),
	}}
	// No SetUpsert: Load always creates the row first, and upserting here
	// would let a stale token race its way into a fresh row that the $lt
	// filter above was trying to rule out.
	if _, err := s.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("advancing consumer state: %w", err)
	}
	return nil
}

func (s *MongoStore) SetRedeliveryCount(ctx context.Context, consumerName, partitionKey string, count int) error {
	filter := bson.M{"consumer_name": consumerName, "partition_key": partitionKey}
	update := bson.M{"$set": bson.M{"redelivery_count": count, "updated_at": time.Now().UTC()}}
	_, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("updating redelivery count: %w", err)
	}
	return nil
}
