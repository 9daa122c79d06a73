package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

// Publish sends job to queue. A positive delay parks the job in a wait queue
// first; sub-millisecond delays publish immediately.
func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, job Job, delay time.Duration) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	routingKey := queue
	if delay.Milliseconds() > 0 {
		routingKey, err = declareDelayQueue(ch, queue, delay)
		if err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     job.messageID(),
		CorrelationId: job.CorrelationID,
		Type:          string(job.Type),
		Priority:      PriorityValue(job.Priority),
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish job to queue %q: %w", routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
