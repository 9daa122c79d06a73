package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// StatusPublisher emits status-change events to subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, notificationID string, status domain.Status) error
}

// BatchTrigger schedules a batch roll-up recompute.
type BatchTrigger interface {
	Trigger(ctx context.Context, batchID string)
}

// StatusListener is told about every notification status change.
type StatusListener interface {
	StatusChanged(ctx context.Context, n *domain.Notification)
}

// StatusNotifier fans a status change out to the event sink and, for batch
// members, to the batch aggregator. Failures are logged only.
type StatusNotifier struct {
	publisher StatusPublisher
	batches   BatchTrigger
	logger    *zap.Logger
}

func NewStatusNotifier(publisher StatusPublisher, batches BatchTrigger, logger *zap.Logger) *StatusNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusNotifier{publisher: publisher, batches: batches, logger: logger}
}

func (s *StatusNotifier) StatusChanged(ctx context.Context, n *domain.Notification) {
	if s == nil || n == nil {
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishStatus(ctx, n.ID, n.Status); err != nil {
			s.logger.Warn("failed to publish status event",
				zap.String("notificationId", n.ID),
				zap.String("status", n.Status.String()),
				zap.Error(err),
			)
		}
	}

	if s.batches != nil && n.BatchID != nil && *n.BatchID != "" {
		s.batches.Trigger(ctx, *n.BatchID)
	}
}

type nopStatusListener struct{}

func (nopStatusListener) StatusChanged(context.Context, *domain.Notification) {}
