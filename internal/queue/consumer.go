package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client    *RabbitMQ
	publisher Publisher
	prefetch  int
	logger    *zap.Logger
}

// NewRabbitMQConsumer builds a consumer; publisher is used to realise Requeue
// outcomes.
func NewRabbitMQConsumer(client *RabbitMQ, publisher Publisher, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:    client,
		publisher: publisher,
		prefetch:  prefetch,
		logger:    logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler Handler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consumer interrupted, reconnecting",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler Handler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, queue, d, handler); err != nil {
				return err
			}
		}
	}
}

// decodeJob reads a delivery body. Jobs published without a correlation id
// inherit the AMQP correlation id property.
func decodeJob(d amqp.Delivery) (Job, error) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		return Job{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if job.CorrelationID == "" {
		job.CorrelationID = d.CorrelationId
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler Handler) error {
	job, err := decodeJob(d)
	if err != nil {
		c.logger.Warn("rejecting undecodable job",
			zap.Error(err),
			zap.String("queue", queue),
			zap.String("messageId", d.MessageId),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid job: %w", rejectErr)
		}
		return nil
	}

	logger := c.logger.With(
		zap.String("queue", queue),
		zap.String("type", string(job.Type)),
		zap.String("id", job.messageID()),
	)

	outcome, err := handler(ctx, job)
	if err != nil {
		logger.Error("job failed, returning to queue", zap.Error(err), zap.Bool("redelivered", d.Redelivered))
		return nackForRetry(d)
	}

	if outcome.Kind == OutcomeRequeue {
		if err := c.publisher.Publish(ctx, queue, job, outcome.Delay); err != nil {
			logger.Error("failed to requeue job, returning to queue", zap.Error(err), zap.Duration("delay", outcome.Delay))
			return nackForRetry(d)
		}
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func nackForRetry(d amqp.Delivery) error {
	if err := d.Nack(false, true); err != nil {
		return fmt.Errorf("failed to nack delivery: %w", err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
