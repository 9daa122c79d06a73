package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const latencyWindow = 24 * time.Hour

// QueueInspector reports broker queue depths.
type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// CircuitInspector reports whether a channel circuit is open.
type CircuitInspector interface {
	IsOpen(ctx context.Context, channel string) (bool, error)
}

// PauseInspector reports the pause flag.
type PauseInspector interface {
	IsPaused(ctx context.Context) (bool, error)
}

// Snapshot is the operational view of the engine. A queue depth of -1 and a
// circuit state of "unknown" mean the backing store could not be read.
type Snapshot struct {
	Queues                     map[string]int
	Statuses                   map[domain.Status]int64
	DeadLetters                int64
	Circuits                   map[domain.Channel]string
	Paused                     bool
	AverageDeliveryLatencySecs float64
	GeneratedAt                time.Time
}

type SnapshotService struct {
	notifications repository.NotificationRepository
	deadLetters   repository.DeadLetterRepository
	queues        QueueInspector
	queueNames    queue.Names
	circuits      CircuitInspector
	pause         PauseInspector
	logger        *zap.Logger
	now           func() time.Time
}

func NewSnapshotService(
	notifications repository.NotificationRepository,
	deadLetters repository.DeadLetterRepository,
	queues QueueInspector,
	queueNames queue.Names,
	circuits CircuitInspector,
	pause PauseInspector,
	logger *zap.Logger,
) (*SnapshotService, error) {
	if notifications == nil || deadLetters == nil {
		return nil, fmt.Errorf("notification and dead letter repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotService{
		notifications: notifications,
		deadLetters:   deadLetters,
		queues:        queues,
		queueNames:    queueNames,
		circuits:      circuits,
		pause:         pause,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *SnapshotService) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := s.now().UTC()

	statuses, err := s.notifications.CountByStatus(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}
	deadLetters, err := s.deadLetters.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	latency, err := s.notifications.AverageDeliveryLatency(ctx, now.Add(-latencyWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to compute delivery latency: %w", err)
	}

	snapshot := &Snapshot{
		Queues:                     make(map[string]int),
		Statuses:                   statuses,
		DeadLetters:                deadLetters,
		Circuits:                   make(map[domain.Channel]string, len(domain.Channels)),
		AverageDeliveryLatencySecs: latency,
		GeneratedAt:                now,
	}

	if s.queues != nil {
		for _, name := range s.queueNames.All() {
			depth, err := s.queues.QueueDepth(ctx, name)
			if err != nil {
				s.logger.Warn("failed to read queue depth", zap.String("queue", name), zap.Error(err))
				depth = -1
			}
			snapshot.Queues[name] = depth
		}
	}

	for _, channel := range domain.Channels {
		state := "unknown"
		if s.circuits != nil {
			open, err := s.circuits.IsOpen(ctx, channel.String())
			switch {
			case err != nil:
				s.logger.Warn("failed to read circuit state", zap.String("channel", channel.String()), zap.Error(err))
			case open:
				state = "open"
			default:
				state = "closed"
			}
		}
		snapshot.Circuits[channel] = state
	}

	if s.pause != nil {
		paused, err := s.pause.IsPaused(ctx)
		if err != nil {
			s.logger.Warn("failed to read pause flag", zap.Error(err))
		}
		snapshot.Paused = paused
	}

	return snapshot, nil
}
