package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const (
	defaultSchedulerScanInterval = 10 * time.Second
	defaultSchedulerScanLimit    = 500
)

// Scheduler periodically releases due scheduled notifications to their lanes.
type Scheduler struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	queues        queue.Names
	pause         PauseSwitch
	status        StatusListener
	metrics       *observability.Metrics
	logger        *zap.Logger
	interval      time.Duration
	limit         int
	now           func() time.Time
}

func NewScheduler(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	queues queue.Names,
	pause PauseSwitch,
	status StatusListener,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if status == nil {
		status = nopStatusListener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		notifications: notifications,
		publisher:     publisher,
		queues:        queues,
		pause:         pause,
		status:        status,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		now:           time.Now,
	}, nil
}

// SetMetrics enables the release counter.
func (s *Scheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DispatchDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.DispatchDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

// DispatchDue moves due scheduled notifications to pending and enqueues them.
// It returns how many were released.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	if s.pause != nil && s.pause.Paused(ctx) {
		s.logger.Debug("processing paused, skipping scheduled dispatch")
		return 0, nil
	}

	now := s.now().UTC()
	due, err := s.notifications.GetDueScheduled(ctx, now, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due scheduled notifications: %w", err)
	}

	released := 0
	for i := range due {
		notification := &due[i]

		updated, err := s.notifications.MarkPendingIfScheduled(ctx, notification.ID, now)
		if err != nil {
			s.logger.Error("failed to release scheduled notification",
				zap.String("notificationId", notification.ID),
				zap.Error(err),
			)
			continue
		}
		if !updated {
			s.logger.Info("scheduled notification changed before release",
				zap.String("notificationId", notification.ID),
			)
			continue
		}

		queueName := s.queues.ForPriority(notification.Priority)
		if err := s.publisher.Publish(ctx, queueName, queue.SendJob(notification), 0); err != nil {
			s.logger.Error("failed to enqueue scheduled notification",
				zap.String("notificationId", notification.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)
		}

		notification.Status = domain.StatusPending
		s.status.StatusChanged(ctx, notification)
		released++
	}

	s.metrics.AddScheduledReleased(released)
	return released, nil
}
