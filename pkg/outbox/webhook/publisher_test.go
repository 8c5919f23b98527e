package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hermesdb/hermes/pkg/outbox"
)

func TestPublishSendsEnvelopesAsJSON(t *testing.T) {
	var gotHeader string
	var gotBody []envelopePayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Hermes-Secret")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	publisher := New(Config{
		URL:     server.URL,
		Headers: map[string]string{"X-Hermes-Secret": "s3cr3t"},
	})

	err := publisher.Publish(context.Background(), []outbox.Envelope{
		{
			Message:        outbox.Message{MessageID: "m1", MessageType: "order.created", Payload: []byte(`{"a":1}`)},
			SourcePosition: "0/1",
		},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotHeader != "s3cr3t" {
		t.Errorf("X-Hermes-Secret header = %q, want %q", gotHeader, "s3cr3t")
	}
	if len(gotBody) != 1 || gotBody[0].MessageID != "m1" {
		t.Errorf("request body = %+v, want one envelope with MessageID m1", gotBody)
	}
}

func TestPublishReturnsErrorOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	publisher := New(Config{URL: server.URL})
	err := publisher.Publish(context.Background(), []outbox.Envelope{{Message: outbox.Message{MessageID: "m1"}}})
	if err == nil {
		t.Fatal("Publish returned nil error for a 500 response")
	}
}
