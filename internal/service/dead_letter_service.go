package service

import (
	"context"
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

const defaultRequeueLimit = 100

// ErrReplayIncomplete marks a dead letter that cannot be replayed.
var ErrReplayIncomplete = fmt.Errorf("%w: dead letter is missing recipient or channel", domain.ErrValidation)

type RequeueOptions struct {
	Priority domain.Priority
	Delay    time.Duration
}

type RequeueBatchParams struct {
	Limit   int
	Channel string
	RequeueOptions
}

type RequeueResult struct {
	Requested       int
	Requeued        int
	Skipped         int
	NotificationIDs []string
}

// DeadLetterService archives failed notifications and replays them as new
// notifications.
type DeadLetterService struct {
	deadLetters   repository.DeadLetterRepository
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	queues        queue.Names
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

func NewDeadLetterService(
	deadLetters repository.DeadLetterRepository,
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	queues queue.Names,
	logger *zap.Logger,
) (*DeadLetterService, error) {
	if deadLetters == nil || notifications == nil {
		return nil, fmt.Errorf("dead letter and notification repositories are required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeadLetterService{
		deadLetters:   deadLetters,
		notifications: notifications,
		publisher:     publisher,
		queues:        queues,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

func (s *DeadLetterService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Archive snapshots the notification into the dead-letter table. Archiving the
// same notification twice is a no-op.
func (s *DeadLetterService) Archive(ctx context.Context, notificationID string) error {
	n, err := s.notifications.GetByID(ctx, notificationID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("notification not found, nothing to archive", zap.String("notificationId", notificationID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	created, err := s.deadLetters.Create(ctx, domain.NewDeadLetter(s.newID(), n))
	if err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}
	if !created {
		s.logger.Info("dead letter already archived", zap.String("notificationId", n.ID))
		return nil
	}

	s.metrics.IncDeadLetter(n.Channel.String())
	observability.WithContextLogger(s.logger, ctx).Info("notification archived as dead letter",
		zap.String("notificationId", n.ID),
		zap.String("channel", n.Channel.String()),
	)
	return nil
}

// HandleJob consumes dead-lane jobs.
func (s *DeadLetterService) HandleJob(ctx context.Context, notificationID string) (queue.Outcome, error) {
	if err := s.Archive(ctx, notificationID); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Completed(), nil
}

func (s *DeadLetterService) Get(ctx context.Context, id string) (*domain.DeadLetterNotification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: dead letter id is required", domain.ErrValidation)
	}
	return s.deadLetters.GetByID(ctx, strings.TrimSpace(id))
}

func (s *DeadLetterService) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error) {
	return s.deadLetters.List(ctx, params)
}

// QueryForRequeue returns the oldest dead letters, optionally for one channel.
func (s *DeadLetterService) QueryForRequeue(ctx context.Context, limit int, channel string) ([]domain.DeadLetterNotification, error) {
	if limit <= 0 {
		limit = defaultRequeueLimit
	}
	return s.deadLetters.ListForRequeue(ctx, strings.TrimSpace(channel), limit)
}

// RequeueSingle replays one dead letter as a fresh notification.
func (s *DeadLetterService) RequeueSingle(ctx context.Context, id string, opts RequeueOptions) (*domain.Notification, error) {
	opts, err := normalizeRequeueOptions(opts)
	if err != nil {
		return nil, err
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	n, ok := s.rebuild(item, opts.Priority, s.now().UTC())
	if !ok {
		return nil, ErrReplayIncomplete
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create requeued notification: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.queues.ForPriority(n.Priority), queue.SendJob(n), opts.Delay); err != nil {
		return nil, fmt.Errorf("failed to enqueue requeued notification: %w", err)
	}

	s.logger.Info("dead letter requeued",
		zap.String("deadLetterId", item.ID),
		zap.String("notificationId", n.ID),
	)
	return n, nil
}

// RequeueBatch replays up to Limit dead letters. All rebuilt notifications
// are inserted in one transaction; items that cannot be rebuilt are skipped.
func (s *DeadLetterService) RequeueBatch(ctx context.Context, params RequeueBatchParams) (*RequeueResult, error) {
	opts, err := normalizeRequeueOptions(params.RequeueOptions)
	if err != nil {
		return nil, err
	}

	items, err := s.QueryForRequeue(ctx, params.Limit, params.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	result := &RequeueResult{Requested: len(items)}
	now := s.now().UTC()
	rebuilt := make([]*domain.Notification, 0, len(items))
	for i := range items {
		n, ok := s.rebuild(&items[i], opts.Priority, now)
		if !ok {
			result.Skipped++
			s.logger.Warn("skipping dead letter: missing recipient or channel",
				zap.String("deadLetterId", items[i].ID),
			)
			continue
		}
		rebuilt = append(rebuilt, n)
	}

	if len(rebuilt) == 0 {
		return result, nil
	}

	if err := s.notifications.CreateMany(ctx, nil, rebuilt); err != nil {
		return nil, fmt.Errorf("failed to create requeued notifications: %w", err)
	}

	queueName := s.queues.ForPriority(opts.Priority)
	for _, n := range rebuilt {
		if err := s.publisher.Publish(ctx, queueName, queue.SendJob(n), opts.Delay); err != nil {
			s.logger.Error("failed to enqueue requeued notification",
				zap.String("notificationId", n.ID),
				zap.Error(err),
			)
		}
		result.NotificationIDs = append(result.NotificationIDs, n.ID)
	}
	result.Requeued = len(rebuilt)

	s.logger.Info("dead letters requeued",
		zap.Int("requeued", result.Requeued),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// rebuild builds a brand-new pending notification from a dead letter.
func (s *DeadLetterService) rebuild(item *domain.DeadLetterNotification, priority domain.Priority, now time.Time) (*domain.Notification, bool) {
	recipient, channelName, content := item.ReplayTarget()
	if strings.TrimSpace(recipient) == "" || strings.TrimSpace(channelName) == "" {
		return nil, false
	}
	channel, err := domain.ParseChannelFromString(channelName)
	if err != nil {
		return nil, false
	}

	n := &domain.Notification{
		ID:            s.newID(),
		Channel:       channel,
		Priority:      priority,
		Recipient:     recipient,
		Content:       content,
		Status:        domain.StatusPending,
		CorrelationID: uuid.NewString(),
		Attempts:      0,
		MaxAttempts:   domain.DefaultMaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if key := item.Payload.IdempotencyKey; key != "" {
		requeueKey := key + "-requeue-" + uuid.NewString()
		n.IdempotencyKey = &requeueKey
	}
	return n, true
}

func normalizeRequeueOptions(opts RequeueOptions) (RequeueOptions, error) {
	priority, err := domain.ParsePriorityFromString(opts.Priority.String())
	if err != nil {
		return opts, err
	}
	opts.Priority = priority
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts, nil
}
