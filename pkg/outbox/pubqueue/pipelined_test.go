package pubqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

func TestPipelinedAcksInCommitOrderDespiteOutOfOrderCompletion(t *testing.T) {
	// Batch 0 finishes last, batch 1 and 2 finish quickly; the queue must
	// still ack strictly in submission order.
	delays := map[string]time.Duration{
		"0": 30 * time.Millisecond,
		"1": 0,
		"2": 0,
	}
	publish := func(_ context.Context, envelopes []outbox.Envelope) error {
		time.Sleep(delays[envelopes[0].MessageID])
		return nil
	}

	q := NewPipelined(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), 4, discardLogger())

	var mu sync.Mutex
	var ackOrder []string
	ack := func(_ context.Context, sourcePosition string) error {
		mu.Lock()
		ackOrder = append(ackOrder, sourcePosition)
		mu.Unlock()
		return nil
	}

	for i := 0; i < 3; i++ {
		id := string(rune('0' + i))
		q.Submit(context.Background(), outbox.Batch{
			SourcePosition: id,
			Envelopes:      []outbox.Envelope{{Message: outbox.Message{MessageID: id}}},
		}, ack)
	}
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"0", "1", "2"}
	if len(ackOrder) != len(want) {
		t.Fatalf("ackOrder = %v, want %v", ackOrder, want)
	}
	for i := range want {
		if ackOrder[i] != want[i] {
			t.Fatalf("ackOrder = %v, want %v", ackOrder, want)
		}
	}
}

func TestPipelinedRetriesFailedPublish(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	publish := func(context.Context, []outbox.Envelope) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return errors.New("boom")
		}
		return nil
	}

	q := NewPipelined(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), 2, discardLogger())

	acked := make(chan struct{}, 1)
	q.Submit(context.Background(), outbox.Batch{SourcePosition: "x"}, func(context.Context, string) error {
		acked <- struct{}{}
		return nil
	})

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("ack never arrived")
	}
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestPipelinedStampsRedeliveryCountAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	var seenCounts []int
	attempts := 0
	publish := func(_ context.Context, envelopes []outbox.Envelope) error {
		mu.Lock()
		attempts++
		n := attempts
		seenCounts = append(seenCounts, envelopes[0].RedeliveryCount)
		mu.Unlock()
		if n < 3 {
			return errors.New("boom")
		}
		return nil
	}

	q := NewPipelined(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), 1, discardLogger())

	acked := make(chan struct{}, 1)
	q.Submit(context.Background(), outbox.Batch{
		SourcePosition: "x",
		Envelopes:      []outbox.Envelope{{Message: outbox.Message{MessageID: "m1"}}},
	}, func(context.Context, string) error {
		acked <- struct{}{}
		return nil
	})

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("ack never arrived")
	}
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2}
	if len(seenCounts) != len(want) {
		t.Fatalf("seenCounts = %v, want %v", seenCounts, want)
	}
	for i := range want {
		if seenCounts[i] != want[i] {
			t.Errorf("seenCounts[%d] = %d, want %d", i, seenCounts[i], want[i])
		}
	}
}

func TestPipelinedDoesNotAckBatchCancelledMidRetry(t *testing.T) {
	publish := func(context.Context, []outbox.Envelope) error {
		return errors.New("boom")
	}

	q := NewPipelined(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(50*time.Millisecond), 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	acked := false
	var mu sync.Mutex
	q.Submit(ctx, outbox.Batch{SourcePosition: "x"}, func(context.Context, string) error {
		mu.Lock()
		acked = true
		mu.Unlock()
		return nil
	})

	// Cancel mid-backoff, before publish ever succeeds.
	time.Sleep(10 * time.Millisecond)
	cancel()
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if acked {
		t.Error("batch that never published successfully was acked")
	}
}

func TestPipelinedDrainRespectsConcurrencyBound(t *testing.T) {
	const concurrency = 2
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	publish := func(context.Context, []outbox.Envelope) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	q := NewPipelined(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), concurrency, discardLogger())
	for i := 0; i < 8; i++ {
		q.Submit(context.Background(), outbox.Batch{SourcePosition: string(rune('a' + i))}, func(context.Context, string) error { return nil })
	}
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > concurrency {
		t.Errorf("maxInFlight = %d, want <= %d", maxInFlight, concurrency)
	}
}
