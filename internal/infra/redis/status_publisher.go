package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	StatusChannel      = "notifications"
	StatusUpdatedEvent = "notification.status.updated"
)

type statusEvent struct {
	Event          string `json:"event"`
	NotificationID string `json:"notificationId"`
	Status         string `json:"status"`
}

// StatusPublisher broadcasts notification status changes on a pub/sub channel.
type StatusPublisher struct {
	client  goredis.UniversalClient
	channel string
}

func NewStatusPublisher(client goredis.UniversalClient) (*StatusPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &StatusPublisher{client: client, channel: StatusChannel}, nil
}

func (p *StatusPublisher) PublishStatus(ctx context.Context, notificationID string, status domain.Status) error {
	body, err := json.Marshal(statusEvent{
		Event:          StatusUpdatedEvent,
		NotificationID: notificationID,
		Status:         status.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}
