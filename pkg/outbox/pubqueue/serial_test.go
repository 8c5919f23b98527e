package pubqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSerialPublishesInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var published []string

	publish := func(_ context.Context, envelopes []outbox.Envelope) error {
		mu.Lock()
		published = append(published, envelopes[0].MessageID)
		mu.Unlock()
		return nil
	}

	q := NewSerial(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), discardLogger())

	var acked []string
	var ackMu sync.Mutex
	ack := func(_ context.Context, sourcePosition string) error {
		ackMu.Lock()
		acked = append(acked, sourcePosition)
		ackMu.Unlock()
		return nil
	}

	for i := 0; i < 5; i++ {
		q.Submit(context.Background(), outbox.Batch{
			SourcePosition: string(rune('a' + i)),
			Envelopes:      []outbox.Envelope{{Message: outbox.Message{MessageID: string(rune('a' + i))}}},
		}, ack)
	}
	q.Drain(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d", "e"}
	if len(published) != len(want) {
		t.Fatalf("published %v, want %v", published, want)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("published[%d] = %q, want %q (published=%v)", i, published[i], want[i], published)
		}
	}

	ackMu.Lock()
	defer ackMu.Unlock()
	if len(acked) != len(want) {
		t.Fatalf("acked %v, want 5 entries", acked)
	}
}

func TestSerialRetriesUntilPublishSucceeds(t *testing.T) {
	var attempts int
	publish := func(context.Context, []outbox.Envelope) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	var failedAttempts []int
	q := NewSerial(publish, func(_ outbox.Batch, attempt int, _ error) {
		failedAttempts = append(failedAttempts, attempt)
	}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), discardLogger())

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

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(failedAttempts) != 2 {
		t.Errorf("failedAttempts = %v, want 2 entries", failedAttempts)
	}
}

func TestSerialStampsRedeliveryCountAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	var seenCounts []int
	var attempts int
	publish := func(_ context.Context, envelopes []outbox.Envelope) error {
		mu.Lock()
		attempts++
		n := attempts
		seenCounts = append(seenCounts, envelopes[0].RedeliveryCount)
		mu.Unlock()
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	q := NewSerial(publish, func(outbox.Batch, int, error) {}, func(error) {}, DefaultBackoffPolicy(time.Millisecond), discardLogger())

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
