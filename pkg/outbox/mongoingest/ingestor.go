// Package mongoingest implements outbox.Ingestor over MongoDB change
// streams: it watches the primary outbox collection for inserts scoped to
// one partition, using fullDocument=updateLookup and a persisted resume
// token the way a resumable change stream is meant to be driven. The
// on-disk document shape carries only what the change stream needs to
// rebuild a Message; the position-token/redelivery-count bookkeeping
// lives in PositionStore, not on the document itself.
package mongoingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// outboxDoc is the on-disk shape of a primary outbox row. Seq is a
// monotonic per-partition sequence number assigned by Writer.Enqueue
// from the counters collection, carried through as Envelope.Position.
type outboxDoc struct {
	MessageID    string `bson:"messageId"`
	MessageType  string `bson:"messageType"`
	Payload      []byte `bson:"payload"`
	PartitionKey string `bson:"partitionKey"`
	Seq          int64  `bson:"seq"`
}

// Options configures an Ingestor.
type Options struct {
	Collection   *mongo.Collection
	PartitionKey string

	// ConsumerState is the consumer-state collection shared with
	// position.MongoStore. When set, Start claims a lease on it before
	// opening a change stream, enforcing at most one active streamer per
	// (ConsumerName, PartitionKey).
	ConsumerState *mongo.Collection
	ConsumerName  string
	LeaseTTL      time.Duration

	// MinServerVersion gates Start on the connected server's release
	// version string as reported by buildInfo; servers older than this are rejected with
	// outbox.ErrNotSupportedVersion since their change streams lack
	// guarantees (e.g. resumability across all operation types,
	// updateLookup on every op) this backend relies on. Defaults to
	// minSupportedServerVersion.
	MinServerVersion string
}

// Ingestor streams primary-outbox inserts for one partition via a
// MongoDB change stream.
type Ingestor struct {
	opts    Options
	ownerID string

	mu       sync.Mutex
	stream   *mongo.ChangeStream
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	changes  chan outbox.Batch
	lastErr  error
	leaseObj *lease
}

func New(opts Options) *Ingestor {
	return &Ingestor{opts: opts, ownerID: uuid.NewString()}
}

// Start opens a change stream resuming from startPosition (a resume
// token encoded as extended JSON), or from the current point in the
// collection's history if startPosition is empty.
func (ig *Ingestor) Start(ctx context.Context, startPosition string) (<-chan outbox.Batch, error) {
	ig.setErr(nil)

	if err := ig.checkServerVersion(ctx); err != nil {
		return nil, err
	}

	if ig.opts.ConsumerState != nil {
		l := newLease(ig.opts.ConsumerState, ig.opts.ConsumerName, ig.opts.PartitionKey, ig.ownerID, ig.opts.LeaseTTL)
		if err := l.claim(ctx); err != nil {
			return nil, err
		}
		ig.leaseObj = l
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.partitionKey", Value: ig.opts.PartitionKey},
		}}},
	}

	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if startPosition != "" {
		var token bson.Raw
		if err := bson.UnmarshalExtJSON([]byte(startPosition), true, &token); err != nil {
			return nil, fmt.Errorf("%w: %v", outbox.ErrPositionLost, err)
		}
		streamOpts.SetResumeAfter(token)
	}

	stream, err := ig.opts.Collection.Watch(ctx, pipeline, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("outbox: open change stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	changes := make(chan outbox.Batch, 64)

	ig.mu.Lock()
	ig.stream = stream
	ig.cancel = cancel
	ig.changes = changes
	ig.mu.Unlock()

	ig.wg.Add(1)
	go ig.consume(streamCtx)

	if ig.leaseObj != nil {
		ig.wg.Add(1)
		go func() {
			defer ig.wg.Done()
			ig.leaseObj.runRenewals(streamCtx)
		}()
	}

	return changes, nil
}

// minSupportedServerVersion is the lowest MongoDB release whose change
// streams guarantee updateLookup on every operation type and resumability
// across a topology change, both of which consume relies on.
const minSupportedServerVersion = "4.0.0"

// checkServerVersion runs buildInfo and rejects servers older than
// MinServerVersion (defaulting to minSupportedServerVersion) with
// outbox.ErrNotSupportedVersion.
func (ig *Ingestor) checkServerVersion(ctx context.Context) error {
	want := ig.opts.MinServerVersion
	if want == "" {
		want = minSupportedServerVersion
	}

	var buildInfo struct {
		Version string `bson:"version"`
	}
	if err := ig.opts.Collection.Database().RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&buildInfo); err != nil {
		return fmt.Errorf("outbox: buildInfo: %w", err)
	}

	if compareVersions(buildInfo.Version, want) < 0 {
		return fmt.Errorf("%w: server version %s is older than the minimum supported %s", outbox.ErrNotSupportedVersion, buildInfo.Version, want)
	}
	return nil
}

func (ig *Ingestor) consume(ctx context.Context) {
	defer ig.wg.Done()
	defer func() {
		ig.mu.Lock()
		if ig.changes != nil {
			close(ig.changes)
		}
		ig.mu.Unlock()
	}()

	for ig.stream.Next(ctx) {
		var event struct {
			FullDocument outboxDoc `bson:"fullDocument"`
			ClusterTime  time.Time `bson:"clusterTime"`
		}
		if err := ig.stream.Decode(&event); err != nil {
			ig.setErr(fmt.Errorf("outbox: decode change event: %w", err))
			return
		}

		token := ig.stream.ResumeToken()
		tokenJSON, err := bson.MarshalExtJSON(token, true, true)
		if err != nil {
			ig.setErr(fmt.Errorf("outbox: marshal resume token: %w", err))
			return
		}

		batch := outbox.Batch{
			TransactionID:  event.FullDocument.MessageID,
			SourcePosition: string(tokenJSON),
			CommitTime:     event.ClusterTime,
			Envelopes: []outbox.Envelope{{
				Message: outbox.Message{
					MessageID:   event.FullDocument.MessageID,
					MessageType: event.FullDocument.MessageType,
					Payload:     event.FullDocument.Payload,
				},
				Position:       event.FullDocument.Seq,
				SourcePosition: string(tokenJSON),
			}},
		}

		select {
		case <-ctx.Done():
			return
		case ig.changes <- batch:
		}
	}
	if err := ig.stream.Err(); err != nil {
		if isResumeTokenLostErr(err) {
			ig.setErr(fmt.Errorf("%w: %v", outbox.ErrPositionLost, err))
			return
		}
		ig.setErr(fmt.Errorf("outbox: change stream: %w", err))
	}
}

// isResumeTokenLostErr reports whether the server rejected the resume
// token because the corresponding oplog/change-stream history has
// already been reclaimed (MongoDB error code 286,
// ChangeStreamHistoryLost).
func isResumeTokenLostErr(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 286
	}
	return false
}

func (ig *Ingestor) Ack(sourcePosition string) {
	// The resume token already reflects position at read time; MongoDB
	// has no separate heartbeat/acknowledgement wire message to send.
}

func (ig *Ingestor) Err() error {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.lastErr
}

func (ig *Ingestor) Stop(ctx context.Context) error {
	ig.mu.Lock()
	cancel := ig.cancel
	stream := ig.stream
	ig.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ig.wg.Wait()

	if ig.leaseObj != nil {
		_ = ig.leaseObj.release(ctx)
	}

	if stream != nil {
		return stream.Close(ctx)
	}
	return nil
}

// compareVersions compares two MongoDB "x.y.z"-style version strings,
// returning -1, 0 or 1 the way strings.Compare does for ordinary strings.
// Missing trailing components compare as 0.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (ig *Ingestor) setErr(err error) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	ig.lastErr = err
}
