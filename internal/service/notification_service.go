package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const maxBatchSize = 1000

// BatchConflictError is returned when a batch idempotency key was already used.
type BatchConflictError struct {
	BatchID    string
	Duplicates int64
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("batch idempotency key already exists (batch %s)", e.BatchID)
}

func (e *BatchConflictError) Unwrap() error {
	return domain.ErrConflict
}

// CancelConflictError is returned when a notification is past the point where
// it can be cancelled.
type CancelConflictError struct {
	Status domain.Status
}

func (e *CancelConflictError) Error() string {
	return fmt.Sprintf("notification cannot be cancelled in status %s", e.Status)
}

func (e *CancelConflictError) Unwrap() error {
	return domain.ErrConflict
}

type SubmitBatch struct {
	IdempotencyKey *string
	CorrelationID  *string
	Metadata       map[string]any
}

type SubmitItem struct {
	Recipient      string
	Channel        string
	Priority       string
	Content        string
	IdempotencyKey *string
	CorrelationID  *string
	ScheduledAt    *time.Time
}

// SubmitRequest is one ingestion call. CorrelationID, TraceID and SpanID come
// from the request context.
type SubmitRequest struct {
	Batch         *SubmitBatch
	Notifications []SubmitItem
	CorrelationID string
	TraceID       string
	SpanID        string
}

type SubmitResult struct {
	Batch         *domain.Batch
	Notifications []domain.Notification
	Created       int
	Duplicates    int
}

type NotificationService struct {
	notifications repository.NotificationRepository
	batches       repository.BatchRepository
	attempts      repository.AttemptRepository
	publisher     queue.Publisher
	queues        queue.Names
	limits        domain.ContentLimits
	maxAttempts   int
	status        StatusListener
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	batches repository.BatchRepository,
	attempts repository.AttemptRepository,
	publisher queue.Publisher,
	queues queue.Names,
	limits domain.ContentLimits,
	maxAttempts int,
	status StatusListener,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil || batches == nil || attempts == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if limits == nil {
		limits = domain.DefaultContentLimits()
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	if status == nil {
		status = nopStatusListener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		batches:       batches,
		attempts:      attempts,
		publisher:     publisher,
		queues:        queues,
		limits:        limits,
		maxAttempts:   maxAttempts,
		status:        status,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Submit validates and stores the request, skipping notifications whose
// idempotency key is already known, and enqueues the ones due now.
func (s *NotificationService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if len(req.Notifications) == 0 {
		return nil, fmt.Errorf("%w: at least one notification is required", domain.ErrValidation)
	}
	if len(req.Notifications) > maxBatchSize {
		return nil, fmt.Errorf("%w: at most %d notifications per request", domain.ErrValidation, maxBatchSize)
	}

	now := s.now().UTC()
	prepared := make([]*domain.Notification, 0, len(req.Notifications))
	for i, item := range req.Notifications {
		n, err := s.prepare(item, req, now)
		if err != nil {
			return nil, fmt.Errorf("notifications[%d]: %w", i, err)
		}
		prepared = append(prepared, n)
	}

	batchKey := normalizeOptionalString(nil)
	if req.Batch != nil {
		batchKey = normalizeOptionalString(req.Batch.IdempotencyKey)
		if batchKey != nil && len(*batchKey) > domain.MaxIdempotencyLength {
			return nil, fmt.Errorf("%w: batch idempotency key exceeds %d characters", domain.ErrValidation, domain.MaxIdempotencyLength)
		}
	}
	if batchKey != nil {
		if err := s.checkBatchKey(ctx, *batchKey); err != nil {
			return nil, err
		}
	}

	fresh, duplicates, err := s.dropDuplicates(ctx, prepared)
	if err != nil {
		return nil, err
	}

	var batch *domain.Batch
	if req.Batch != nil || len(req.Notifications) > 1 {
		batch = s.newBatch(req, batchKey, len(req.Notifications))
		for _, n := range fresh {
			n.BatchID = &batch.ID
		}
	}

	if err := s.notifications.CreateMany(ctx, batch, fresh); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: idempotency key was used concurrently", domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to store notifications: %w", err)
	}

	s.metrics.AddDuplicatesDropped(duplicates)
	created := make([]domain.Notification, 0, len(fresh))
	for _, n := range fresh {
		s.metrics.IncNotificationAccepted(n.Channel.String(), n.Status.String())
		if n.Status == domain.StatusPending {
			s.enqueue(ctx, n)
		}
		created = append(created, *n)
	}

	return &SubmitResult{
		Batch:         batch,
		Notifications: created,
		Created:       len(created),
		Duplicates:    duplicates,
	}, nil
}

func (s *NotificationService) prepare(item SubmitItem, req SubmitRequest, now time.Time) (*domain.Notification, error) {
	channel, err := domain.ParseChannelFromString(item.Channel)
	if err != nil {
		return nil, err
	}
	priority, err := domain.ParsePriorityFromString(item.Priority)
	if err != nil {
		return nil, err
	}

	n := &domain.Notification{
		ID:             uuid.NewString(),
		Channel:        channel,
		Priority:       priority,
		Recipient:      strings.TrimSpace(item.Recipient),
		Content:        item.Content,
		Status:         domain.StatusPending,
		IdempotencyKey: normalizeOptionalString(item.IdempotencyKey),
		CorrelationID:  req.CorrelationID,
		TraceID:        normalizeOptionalString(&req.TraceID),
		SpanID:         normalizeOptionalString(&req.SpanID),
		MaxAttempts:    s.maxAttempts,
		ScheduledAt:    item.ScheduledAt,
	}
	if cid := normalizeOptionalString(item.CorrelationID); cid != nil {
		n.CorrelationID = *cid
	}
	if n.CorrelationID == "" {
		n.CorrelationID = uuid.NewString()
	}
	if n.ScheduledAt != nil {
		scheduled := n.ScheduledAt.UTC()
		n.ScheduledAt = &scheduled
		if scheduled.After(now) {
			n.Status = domain.StatusScheduled
		}
	}

	if err := n.Validate(s.limits); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *NotificationService) checkBatchKey(ctx context.Context, key string) error {
	existing, err := s.batches.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up batch idempotency key: %w", err)
	}

	counts, err := s.notifications.CountByStatus(ctx, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to count batch members: %w", err)
	}
	var members int64
	for _, c := range counts {
		members += c
	}
	return &BatchConflictError{BatchID: existing.ID, Duplicates: members}
}

// dropDuplicates removes notifications whose key is stored already or repeats
// an earlier key in the same request.
func (s *NotificationService) dropDuplicates(ctx context.Context, prepared []*domain.Notification) ([]*domain.Notification, int, error) {
	keys := make([]string, 0, len(prepared))
	for _, n := range prepared {
		if n.IdempotencyKey != nil {
			keys = append(keys, *n.IdempotencyKey)
		}
	}

	existing, err := s.notifications.ExistingIdempotencyKeys(ctx, keys)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to look up idempotency keys: %w", err)
	}

	fresh := make([]*domain.Notification, 0, len(prepared))
	seen := make(map[string]struct{}, len(keys))
	duplicates := 0
	for _, n := range prepared {
		if n.IdempotencyKey != nil {
			key := *n.IdempotencyKey
			if _, ok := existing[key]; ok {
				duplicates++
				continue
			}
			if _, ok := seen[key]; ok {
				duplicates++
				continue
			}
			seen[key] = struct{}{}
		}
		fresh = append(fresh, n)
	}
	return fresh, duplicates, nil
}

func (s *NotificationService) newBatch(req SubmitRequest, key *string, total int) *domain.Batch {
	metadata := map[string]any{
		"trace_id": nilIfEmpty(req.TraceID),
		"span_id":  nilIfEmpty(req.SpanID),
	}
	correlationID := normalizeOptionalString(&req.CorrelationID)
	if req.Batch != nil {
		for k, v := range req.Batch.Metadata {
			metadata[k] = v
		}
		if cid := normalizeOptionalString(req.Batch.CorrelationID); cid != nil {
			correlationID = cid
		}
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		raw = nil
	}

	return &domain.Batch{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		CorrelationID:  correlationID,
		TraceID:        normalizeOptionalString(&req.TraceID),
		SpanID:         normalizeOptionalString(&req.SpanID),
		Status:         domain.BatchStatusPending,
		TotalCount:     total,
		Metadata:       raw,
	}
}

// enqueue publishes a delivery job. A failed publish leaves the row pending
// for the lease sweeper.
func (s *NotificationService) enqueue(ctx context.Context, n *domain.Notification) {
	queueName := s.queues.ForPriority(n.Priority)
	if err := s.publisher.Publish(ctx, queueName, queue.SendJob(n), 0); err != nil {
		observability.WithContextLogger(s.logger, ctx).Error("failed to publish notification",
			zap.String("notificationId", n.ID),
			zap.String("queue", queueName),
			zap.Error(err),
		)
	}
}

// SetMetrics enables ingestion counters.
func (s *NotificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) ListAttempts(ctx context.Context, id string) ([]domain.NotificationAttempt, error) {
	n, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attempts.GetByNotificationID(ctx, n.ID)
}

// GetBatch returns the batch with its members.
func (s *NotificationService) GetBatch(ctx context.Context, id string) (*domain.Batch, []domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	batch, err := s.batches.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, nil, err
	}
	members, err := s.notifications.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, nil, err
	}
	return batch, members, nil
}

// Cancel cancels a pending or scheduled notification.
func (s *NotificationService) Cancel(ctx context.Context, id string) (*domain.Notification, error) {
	n, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	cancelled, err := s.notifications.Cancel(ctx, n.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel notification: %w", err)
	}
	if !cancelled {
		current, err := s.notifications.GetByID(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		return nil, &CancelConflictError{Status: current.Status}
	}

	n.Status = domain.StatusCancelled
	n.CancelledAt = &now
	s.status.StatusChanged(ctx, n)
	return n, nil
}

// CancelBatch cancels every member that has not started delivery and marks
// the batch cancelled. It returns the number of cancelled members.
func (s *NotificationService) CancelBatch(ctx context.Context, id string) (int64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	cancelled, err := s.batches.Cancel(ctx, strings.TrimSpace(id), s.now().UTC())
	if err != nil {
		return 0, err
	}

	members, err := s.notifications.ListByBatch(ctx, strings.TrimSpace(id))
	if err != nil {
		s.logger.Warn("failed to load cancelled batch members", zap.String("batchId", id), zap.Error(err))
		return cancelled, nil
	}
	for i := range members {
		if members[i].Status == domain.StatusCancelled {
			s.status.StatusChanged(ctx, &members[i])
		}
	}
	return cancelled, nil
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nilIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
