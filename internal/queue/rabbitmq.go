package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second

	// delayQueueIdle keeps an unused wait queue around this long after its TTL.
	delayQueueIdle = time.Minute
)

// RabbitMQ manages RabbitMQ connectivity and topology declaration.
type RabbitMQ struct {
	url   string
	names Names

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
}

func NewRabbitMQ(url string, names Names) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if err := names.Validate(); err != nil {
		return nil, err
	}

	r := &RabbitMQ{url: url, names: names}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Names() Names {
	return r.names
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// Ping reports whether the broker connection is usable.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.rawChannel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// QueueDepth returns the number of ready messages in queue.
func (r *RabbitMQ) QueueDepth(ctx context.Context, queue string) (int, error) {
	ch, err := r.rawChannel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, r.queueArgs(queue))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %q: %w", queue, err)
	}
	return q.Messages, nil
}

func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	ch, err := r.rawChannel(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (r *RabbitMQ) rawChannel(ctx context.Context) (*amqp.Channel, error) {
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		if err := r.ensureConnected(ctx); err != nil {
			return nil, err
		}
		r.mu.RLock()
		conn = r.conn
		r.mu.RUnlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		if errReconnect := r.reconnectWithBackoff(ctx); errReconnect != nil {
			return nil, errReconnect
		}

		r.mu.RLock()
		conn = r.conn
		r.mu.RUnlock()

		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	return ch, nil
}

func (r *RabbitMQ) ensureConnected(ctx context.Context) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()

	if conn != nil && !conn.IsClosed() {
		return nil
	}

	return r.reconnectWithBackoff(ctx)
}

func (r *RabbitMQ) reconnectWithBackoff(ctx context.Context) error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.Dial(r.url)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = newConn
			r.mu.Unlock()

			if oldConn != nil && !oldConn.IsClosed() {
				_ = oldConn.Close()
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq reconnect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		wait = nextBackoff(wait)
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	wait *= 2
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func (r *RabbitMQ) queueArgs(queue string) amqp.Table {
	if r.names.isDeliveryLane(queue) {
		return amqp.Table{"x-max-priority": queueMaxPriority}
	}
	return nil
}

func (r *RabbitMQ) declareTopology(ch *amqp.Channel) error {
	for _, name := range r.names.All() {
		if _, err := ch.QueueDeclare(
			name,
			true,
			false,
			false,
			false,
			r.queueArgs(name),
		); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", name, err)
		}
	}
	return nil
}

// declareDelayQueue declares the wait queue whose expired messages are
// dead-lettered back into queue through the default exchange.
func declareDelayQueue(ch *amqp.Channel, queue string, delay time.Duration) (string, error) {
	name := DelayQueueName(queue, delay)
	if _, err := ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		delayQueueArgs(queue, delay),
	); err != nil {
		return "", fmt.Errorf("failed to declare delay queue %q: %w", name, err)
	}
	return name, nil
}

func delayQueueArgs(queue string, delay time.Duration) amqp.Table {
	ttl := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
		"x-expires":                 ttl + delayQueueIdle.Milliseconds(),
	}
}
