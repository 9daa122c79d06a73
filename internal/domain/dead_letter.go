package domain

import (
	"encoding/json"
	"time"
)

// ReplayPayload is the snapshot needed to rebuild a notification from a dead letter.
type ReplayPayload struct {
	To             string `json:"to,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DeadLetterNotification archives a permanently failed notification.
type DeadLetterNotification struct {
	ID             string
	NotificationID *string
	Channel        string
	Recipient      string
	Attempts       int
	ErrorType      *ErrorType
	ErrorCode      *string
	ErrorMessage   *string
	Payload        ReplayPayload
	LastResponse   json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewDeadLetter snapshots a failed notification.
func NewDeadLetter(id string, n *Notification) *DeadLetterNotification {
	notificationID := n.ID
	payload := ReplayPayload{
		To:      n.Recipient,
		Channel: n.Channel.String(),
		Content: n.Content,
	}
	if n.IdempotencyKey != nil {
		payload.IdempotencyKey = *n.IdempotencyKey
	}

	return &DeadLetterNotification{
		ID:             id,
		NotificationID: &notificationID,
		Channel:        n.Channel.String(),
		Recipient:      n.Recipient,
		Attempts:       n.Attempts,
		ErrorType:      n.ErrorType,
		ErrorCode:      n.ErrorCode,
		ErrorMessage:   n.LastError,
		Payload:        payload,
		LastResponse:   n.ProviderResponse,
	}
}

// ReplayTarget resolves recipient, channel and content for a requeue,
// preferring the replay payload and falling back to the archived columns.
func (d *DeadLetterNotification) ReplayTarget() (recipient string, channel string, content string) {
	recipient = d.Payload.To
	if recipient == "" {
		recipient = d.Recipient
	}
	channel = d.Payload.Channel
	if channel == "" {
		channel = d.Channel
	}
	return recipient, channel, d.Payload.Content
}
