package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/kv"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const defaultBatchDebounce = 5 * time.Second

// BatchAggregator keeps batch status in line with member statuses. Triggers
// within one debounce window coalesce into a single delayed recompute job.
type BatchAggregator struct {
	notifications repository.NotificationRepository
	batches       repository.BatchRepository
	store         kv.Store
	publisher     queue.Publisher
	queueName     string
	debounce      time.Duration
	logger        *zap.Logger
}

func NewBatchAggregator(
	notifications repository.NotificationRepository,
	batches repository.BatchRepository,
	store kv.Store,
	publisher queue.Publisher,
	queueName string,
	debounce time.Duration,
	logger *zap.Logger,
) (*BatchAggregator, error) {
	if notifications == nil || batches == nil {
		return nil, fmt.Errorf("notification and batch repositories are required")
	}
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("batch queue name is required")
	}
	if debounce <= 0 {
		debounce = defaultBatchDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchAggregator{
		notifications: notifications,
		batches:       batches,
		store:         store,
		publisher:     publisher,
		queueName:     queueName,
		debounce:      debounce,
		logger:        logger,
	}, nil
}

// Trigger schedules a recompute unless one is already pending for the batch.
func (a *BatchAggregator) Trigger(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}

	key := batchDebounceKey(batchID)
	acquired, err := a.store.SetIfAbsent(ctx, key, "1", a.debounce)
	if err != nil {
		a.logger.Warn("batch debounce unavailable, scheduling recompute",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
		acquired = true
	}
	if !acquired {
		return
	}

	if err := a.publisher.Publish(ctx, a.queueName, queue.BatchStatusJob(batchID), a.debounce); err != nil {
		a.logger.Error("failed to schedule batch recompute",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
		if delErr := a.store.Delete(ctx, key); delErr != nil {
			a.logger.Warn("failed to release batch debounce key",
				zap.String("batchId", batchID),
				zap.Error(delErr),
			)
		}
	}
}

// Recompute derives the batch status from its members and stores it when it
// changed.
func (a *BatchAggregator) Recompute(ctx context.Context, batchID string) (queue.Outcome, error) {
	// Changes from here on schedule a fresh recompute.
	if err := a.store.Delete(ctx, batchDebounceKey(batchID)); err != nil {
		a.logger.Warn("failed to clear batch debounce key",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
	}

	batch, err := a.batches.GetByID(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.Warn("batch not found, skipping recompute", zap.String("batchId", batchID))
		return queue.Drop(), nil
	}
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to load batch: %w", err)
	}

	counts, err := a.notifications.CountByStatus(ctx, batchID)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to count batch members: %w", err)
	}

	next := domain.DeriveBatchStatus(counts)
	if next == batch.Status {
		return queue.Completed(), nil
	}

	updated, err := a.batches.UpdateStatus(ctx, batchID, batch.Status, next)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to update batch status: %w", err)
	}
	if !updated {
		a.logger.Info("batch status changed concurrently, skipping update",
			zap.String("batchId", batchID),
		)
		return queue.Completed(), nil
	}

	a.logger.Info("batch status updated",
		zap.String("batchId", batchID),
		zap.String("from", batch.Status.String()),
		zap.String("to", next.String()),
	)
	return queue.Completed(), nil
}

func batchDebounceKey(batchID string) string {
	return "notifications:batch:debounce:" + batchID
}
