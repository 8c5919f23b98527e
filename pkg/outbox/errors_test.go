package outbox

import (
	"errors"
	"testing"
)

func TestPublishErrorUnwrap(t *testing.T) {
	underlying := errors.New("sink unavailable")
	err := &PublishError{TransactionID: "tx-1", SourcePosition: "0/1", Attempt: 3, Err: underlying}

	if !errors.Is(err, underlying) {
		t.Fatalf("errors.Is(err, underlying) = false, want true")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
}

func TestStorageErrorUnwrapsToSentinel(t *testing.T) {
	underlying := errors.New("connection reset")
	err := &StorageError{Op: "advance position", Err: underlying}

	if !errors.Is(err, ErrStorageError) {
		t.Fatalf("errors.Is(err, ErrStorageError) = false, want true")
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("errors.Is(err, underlying) = false, want true")
	}
}
