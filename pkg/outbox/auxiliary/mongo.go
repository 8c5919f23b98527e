package auxiliary

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// auxiliaryDoc is the on-disk shape of a secondary-outbox row.
type auxiliaryDoc struct {
	ID          interface{} `bson:"_id,omitempty"`
	MessageID   string      `bson:"messageId"`
	MessageType string      `bson:"messageType"`
	Payload     []byte      `bson:"payload"`
	CreatedAt   time.Time   `bson:"createdAt"`
	SentAt      *time.Time  `bson:"sentAt,omitempty"`
	Delivered   bool        `bson:"delivered"`
	FailsCount  int         `bson:"failsCount"`
}

// MongoStore is the MongoDB-backed secondary outbox.
type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) Send(ctx context.Context, tx any, messages []outbox.Message) error {
	if len(messages) == 0 {
		return nil
	}
	docs := make([]interface{}, len(messages))
	now := time.Now().UTC()
	for i, m := range messages {
		docs[i] = auxiliaryDoc{
			MessageID:   m.MessageID,
			MessageType: m.MessageType,
			Payload:     m.Payload,
			CreatedAt:   now,
		}
	}
	insertCtx := ctx
	if sessCtx, ok := tx.(mongo.SessionContext); ok {
		insertCtx = sessCtx
	}
	if _, err := s.collection.InsertMany(insertCtx, docs); err != nil {
		return fmt.Errorf("outbox: insert auxiliary documents: %w", err)
	}
	return nil
}

// claimRows finds up to limit undelivered documents. MongoDB has no
// SKIP LOCKED equivalent; a findAndModify-style claim field would be
// needed for multiple concurrent pollers, but this runtime only ever
// runs one poller per partition, so a plain find suffices.
func (s *MongoStore) claimRows(ctx context.Context, limit int) ([]polledRow, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"delivered": false},
		options.Find().SetSort(bson.M{"createdAt": 1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim auxiliary documents: %w", err)
	}
	defer cursor.Close(ctx)

	var out []polledRow
	for cursor.Next(ctx) {
		var doc auxiliaryDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("outbox: decode auxiliary document: %w", err)
		}
		out = append(out, polledRow{
			id:          doc.ID,
			messageID:   doc.MessageID,
			messageType: doc.MessageType,
			payload:     doc.Payload,
			failsCount:  doc.FailsCount,
		})
	}
	return out, cursor.Err()
}

func (s *MongoStore) markDeliveredRow(ctx context.Context, id any) error {
	now := time.Now().UTC()
	_, err := s.collection.UpdateByID(ctx, id, bson.M{"$set": bson.M{"delivered": true, "sentAt": now}})
	return err
}

func (s *MongoStore) incrementFailsRow(ctx context.Context, id any, failsCount int) error {
	_, err := s.collection.UpdateByID(ctx, id, bson.M{"$set": bson.M{"failsCount": failsCount}})
	return err
}
