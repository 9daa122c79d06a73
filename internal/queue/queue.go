package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Publisher publishes jobs to a queue, optionally after a delay.
type Publisher interface {
	Publish(ctx context.Context, queue string, job Job, delay time.Duration) error
	Close() error
}

// Handler processes a consumed job and decides what happens to it next.
type Handler func(ctx context.Context, job Job) (Outcome, error)

// Consumer consumes jobs from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// queueMaxPriority is the RabbitMQ x-max-priority value for delivery lanes.
const queueMaxPriority int32 = 3

// Names holds the configured queue names.
type Names struct {
	High   string
	Normal string
	Low    string
	Dead   string
	Batch  string
}

// ForPriority returns the delivery lane for a priority; unknown priorities use
// the normal lane.
func (n Names) ForPriority(priority domain.Priority) string {
	switch priority {
	case domain.PriorityHigh:
		return n.High
	case domain.PriorityLow:
		return n.Low
	default:
		return n.Normal
	}
}

// DeliveryLanes returns the delivery lanes ordered from high to low.
func (n Names) DeliveryLanes() []string {
	return []string{n.High, n.Normal, n.Low}
}

// All returns every queue the engine declares.
func (n Names) All() []string {
	return []string{n.High, n.Normal, n.Low, n.Dead, n.Batch}
}

func (n Names) Validate() error {
	seen := make(map[string]struct{}, 5)
	for _, name := range n.All() {
		if name == "" {
			return fmt.Errorf("queue names must not be empty")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate queue name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func (n Names) isDeliveryLane(name string) bool {
	return name == n.High || name == n.Normal || name == n.Low
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityNormal:
		return 2
	case domain.PriorityLow:
		return 1
	default:
		return 0
	}
}

// DelayQueueName is the wait queue that holds messages for queue until delay
// elapses, e.g. notifications-normal.delay.30000.
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, delay.Milliseconds())
}
