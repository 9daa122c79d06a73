package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepLimit    = 100
)

// LeaseSweeper periodically re-enqueues notifications whose job was lost:
// expired processing leases, overdue retries and pending rows left untouched
// for longer than the processing timeout.
type LeaseSweeper struct {
	notifications     repository.NotificationRepository
	publisher         queue.Publisher
	queues            queue.Names
	pause             PauseSwitch
	logger            *zap.Logger
	interval          time.Duration
	processingTimeout time.Duration
	limit             int
	now               func() time.Time
}

func NewLeaseSweeper(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	queues queue.Names,
	pause PauseSwitch,
	interval time.Duration,
	processingTimeout time.Duration,
	limit int,
	logger *zap.Logger,
) (*LeaseSweeper, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if processingTimeout <= 0 {
		processingTimeout = defaultProcessingLease
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LeaseSweeper{
		notifications:     notifications,
		publisher:         publisher,
		queues:            queues,
		pause:             pause,
		logger:            logger,
		interval:          interval,
		processingTimeout: processingTimeout,
		limit:             limit,
		now:               time.Now,
	}, nil
}

func (s *LeaseSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep re-enqueues stalled notifications and returns how many were sent back.
func (s *LeaseSweeper) Sweep(ctx context.Context) (int, error) {
	if s.pause != nil && s.pause.Paused(ctx) {
		return 0, nil
	}

	cutoff := s.now().UTC().Add(-s.processingTimeout)
	stalled, err := s.notifications.GetStalled(ctx, repository.StalledParams{
		ProcessingBefore: cutoff,
		RetryBefore:      cutoff,
		PendingBefore:    cutoff,
		Limit:            s.limit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stalled notifications: %w", err)
	}

	requeued := 0
	for i := range stalled {
		notification := &stalled[i]
		queueName := s.queues.ForPriority(notification.Priority)
		if err := s.publisher.Publish(ctx, queueName, queue.SendJob(notification), 0); err != nil {
			s.logger.Error("failed to re-enqueue stalled notification",
				zap.String("notificationId", notification.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		s.logger.Info("re-enqueued stalled notifications", zap.Int("count", requeued))
	}
	return requeued, nil
}
