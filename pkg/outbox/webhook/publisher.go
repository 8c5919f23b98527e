// Package webhook provides a concrete outbox.PublishFunc that delivers
// each batch's envelopes as an HTTP POST: one JSON body per call, a
// configurable header set, and a bounded per-request timeout.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hermesdb/hermes/pkg/outbox"
)

// Config points the publisher at a sink endpoint.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Publisher posts each batch to a single HTTP endpoint.
type Publisher struct {
	cfg    Config
	client *http.Client
}

// New returns a Publisher backed by a plain *http.Client, the way
// HTTPSender wraps one rather than a third-party REST client.
func New(cfg Config) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type envelopePayload struct {
	MessageID       string `json:"messageId"`
	MessageType     string `json:"messageType"`
	Payload         []byte `json:"payload"`
	SourcePosition  string `json:"sourcePosition"`
	RedeliveryCount int    `json:"redeliveryCount"`
}

// Publish implements outbox.PublishFunc: one HTTP POST per batch, body is
// the JSON array of envelopes in commit order.
func (p *Publisher) Publish(ctx context.Context, envelopes []outbox.Envelope) error {
	out := make([]envelopePayload, len(envelopes))
	for i, env := range envelopes {
		out[i] = envelopePayload{
			MessageID:       env.Message.MessageID,
			MessageType:     env.Message.MessageType,
			Payload:         env.Message.Payload,
			SourcePosition:  env.SourcePosition,
			RedeliveryCount: env.RedeliveryCount,
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("webhook: marshal envelopes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hermes-outbox/1.0")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: sink returned status %d", resp.StatusCode)
	}
	return nil
}
