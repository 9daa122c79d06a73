package provider

import (
	"context"
	"encoding/json"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Provider is the outbound notification delivery port.
type Provider interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request carries everything a single delivery call needs.
type Request struct {
	To             string `json:"to"`
	Channel        string `json:"channel"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
	Traceparent    string `json:"traceparent,omitempty"`

	CorrelationID string `json:"-"`
}

// NewRequest builds the provider payload for a notification.
func NewRequest(n *domain.Notification) Request {
	req := Request{
		To:             n.Recipient,
		Channel:        n.Channel.String(),
		Content:        n.Content,
		IdempotencyKey: n.IdempotencyHint(),
		CorrelationID:  n.CorrelationID,
	}
	if n.TraceID != nil && n.SpanID != nil {
		req.Traceparent = Traceparent(*n.TraceID, *n.SpanID)
	}
	return req
}

// Payload is the JSON body sent to the provider, also stored on the attempt.
func (r Request) Payload() json.RawMessage {
	body, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return body
}

// Response stores provider call metadata for audit and persistence.
type Response struct {
	StatusCode int
	// Body is the provider's JSON body, nil when the body was not JSON.
	Body      json.RawMessage
	MessageID string
	Fallback  bool
}
