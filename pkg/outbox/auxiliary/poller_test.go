package auxiliary

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// fakeClaimer is an in-memory claimer double so Poller's tick logic can be
// exercised without a real Postgres/MongoDB secondary outbox table.
type fakeClaimer struct {
	mu        sync.Mutex
	rows      []polledRow
	delivered []any
	failed    map[any]int
}

func newFakeClaimer(rows ...polledRow) *fakeClaimer {
	return &fakeClaimer{rows: rows, failed: map[any]int{}}
}

func (c *fakeClaimer) claimRows(_ context.Context, limit int) ([]polledRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > len(c.rows) {
		limit = len(c.rows)
	}
	claimed := c.rows[:limit]
	c.rows = c.rows[limit:]
	return claimed, nil
}

func (c *fakeClaimer) markDeliveredRow(_ context.Context, id any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, id)
	return nil
}

func (c *fakeClaimer) incrementFailsRow(_ context.Context, id any, failsCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[id] = failsCount
	return nil
}

func TestPollerTickDeliversClaimedRows(t *testing.T) {
	store := newFakeClaimer(
		polledRow{id: int64(1), messageID: "m1", messageType: "order.created", payload: []byte(`{}`)},
		polledRow{id: int64(2), messageID: "m2", messageType: "order.created", payload: []byte(`{}`)},
	)

	var published []string
	publish := func(_ context.Context, envelopes []outbox.Envelope) error {
		published = append(published, envelopes[0].MessageID)
		return nil
	}

	p := NewPoller(store, publish, func(outbox.Batch, int, error) {}, func(error) {}, time.Hour, 10)
	p.tick(context.Background())

	if len(published) != 2 {
		t.Fatalf("published = %v, want 2 entries", published)
	}
	if len(store.delivered) != 2 {
		t.Fatalf("delivered = %v, want 2 entries", store.delivered)
	}
}

func TestPollerTickIncrementsFailsOnPublishError(t *testing.T) {
	store := newFakeClaimer(polledRow{id: int64(7), messageID: "m1", failsCount: 2})

	publish := func(context.Context, []outbox.Envelope) error {
		return errors.New("sink down")
	}

	var onFailedCalls int
	var lastAttempt int
	p := NewPoller(store, publish, func(_ outbox.Batch, attempt int, _ error) {
		onFailedCalls++
		lastAttempt = attempt
	}, func(error) {}, time.Hour, 10)
	p.tick(context.Background())

	if onFailedCalls != 1 {
		t.Fatalf("onFailed called %d times, want 1", onFailedCalls)
	}
	if lastAttempt != 3 {
		t.Fatalf("attempt passed to onFailed = %d, want 3 (failsCount+1)", lastAttempt)
	}
	if store.failed[int64(7)] != 3 {
		t.Fatalf("incrementFailsRow recorded %d, want 3", store.failed[int64(7)])
	}
	if len(store.delivered) != 0 {
		t.Fatalf("markDeliveredRow should not be called on failure, got %v", store.delivered)
	}
}

func TestPollerTickReportsClaimErrorToOnDbError(t *testing.T) {
	store := &erroringClaimer{err: errors.New("claim failed")}
	var dbErr error
	p := NewPoller(store, func(context.Context, []outbox.Envelope) error { return nil },
		func(outbox.Batch, int, error) {}, func(err error) { dbErr = err }, time.Hour, 10)
	p.tick(context.Background())

	if dbErr == nil {
		t.Fatal("onDbError was not called")
	}
}

type erroringClaimer struct{ err error }

func (c *erroringClaimer) claimRows(context.Context, int) ([]polledRow, error) { return nil, c.err }
func (c *erroringClaimer) markDeliveredRow(context.Context, any) error         { return nil }
func (c *erroringClaimer) incrementFailsRow(context.Context, any, int) error   { return nil }

func TestPollerStartStopIsClean(t *testing.T) {
	store := newFakeClaimer()
	p := NewPoller(store, func(context.Context, []outbox.Envelope) error { return nil },
		func(outbox.Batch, int, error) {}, func(error) {}, time.Millisecond, 10)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
