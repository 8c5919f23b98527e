package mongoingest

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// counterDoc tracks the next sequence value to hand out per partition,
// in the counters collection conventionally used to fake auto-increment
// fields in MongoDB (there is no native serial type to assign
// Envelope.Position from).
type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// Writer inserts rows into the primary outbox collection. tx, when
// non-nil, must be a mongo.SessionContext already inside the caller's
// transaction.
type Writer struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

func NewWriter(collection, counters *mongo.Collection) *Writer {
	return &Writer{collection: collection, counters: counters}
}

func (w *Writer) Enqueue(ctx context.Context, tx any, partitionKey string, messages []outbox.Message) error {
	if len(messages) == 0 {
		return nil
	}

	insertCtx := ctx
	if sessCtx, ok := tx.(mongo.SessionContext); ok {
		insertCtx = sessCtx
	}

	first, err := w.reserveSeq(insertCtx, partitionKey, int64(len(messages)))
	if err != nil {
		return err
	}

	docs := make([]interface{}, len(messages))
	for i, m := range messages {
		docs[i] = outboxDoc{
			MessageID:    m.MessageID,
			MessageType:  m.MessageType,
			Payload:      m.Payload,
			PartitionKey: partitionKey,
			Seq:          first + int64(i),
		}
	}

	if _, err := w.collection.InsertMany(insertCtx, docs); err != nil {
		return fmt.Errorf("outbox: insert outbox documents: %w", err)
	}
	return nil
}

// reserveSeq atomically reserves a contiguous block of n sequence values
// for partitionKey and returns the first one.
func (w *Writer) reserveSeq(ctx context.Context, partitionKey string, n int64) (int64, error) {
	var doc counterDoc
	err := w.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": partitionKey},
		bson.M{"$inc": bson.M{"seq": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("outbox: reserve sequence: %w", err)
	}
	return doc.Seq - n + 1, nil
}
