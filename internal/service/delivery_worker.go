package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

const (
	defaultPauseDelay      = 10 * time.Second
	defaultScheduledDelay  = 30 * time.Second
	defaultThrottleDelay   = time.Second
	defaultProcessingLease = 300 * time.Second
	defaultDeliveryTTL     = 24 * time.Hour
	defaultRateLimitWait   = 3 * time.Second
	minRequeueDelay        = time.Second
)

// CircuitBreaker gates sends per channel.
type CircuitBreaker interface {
	Allow(ctx context.Context, channel string) bool
	RecordSuccess(ctx context.Context, channel string)
	RecordFailure(ctx context.Context, channel string)
}

// RetryPolicy computes re-release delays.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
	CircuitOpenDelay() time.Duration
}

// PauseSwitch reports whether processing is globally paused.
type PauseSwitch interface {
	Paused(ctx context.Context) bool
}

// DeadLetterArchiver archives a failed notification inline.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, notificationID string) error
}

type DeliveryConfig struct {
	ProcessingTimeout time.Duration
	DeliveryTTL       time.Duration
	RateLimitWait     time.Duration
	PauseDelay        time.Duration
	ScheduledDelay    time.Duration
	ThrottleDelay     time.Duration
	DeadQueue         string
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = defaultProcessingLease
	}
	if c.DeliveryTTL <= 0 {
		c.DeliveryTTL = defaultDeliveryTTL
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = defaultRateLimitWait
	}
	if c.PauseDelay <= 0 {
		c.PauseDelay = defaultPauseDelay
	}
	if c.ScheduledDelay <= 0 {
		c.ScheduledDelay = defaultScheduledDelay
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = defaultThrottleDelay
	}
	return c
}

// DeliveryWorker drives one notification through a single delivery attempt.
type DeliveryWorker struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	provider      provider.Provider
	breaker       CircuitBreaker
	limiter       ratelimit.Limiter
	policy        RetryPolicy
	pause         PauseSwitch
	publisher     queue.Publisher
	archiver      DeadLetterArchiver
	status        StatusListener
	cfg           DeliveryConfig
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

type DeliveryWorkerDeps struct {
	Notifications repository.NotificationRepository
	Attempts      repository.AttemptRepository
	Provider      provider.Provider
	Breaker       CircuitBreaker
	Limiter       ratelimit.Limiter
	Policy        RetryPolicy
	Pause         PauseSwitch
	Publisher     queue.Publisher
	Archiver      DeadLetterArchiver
	Status        StatusListener
	Metrics       *observability.Metrics
}

func NewDeliveryWorker(deps DeliveryWorkerDeps, cfg DeliveryConfig, logger *zap.Logger) (*DeliveryWorker, error) {
	switch {
	case deps.Notifications == nil || deps.Attempts == nil:
		return nil, fmt.Errorf("notification and attempt repositories are required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("provider is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("circuit breaker is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("retry policy is required")
	case deps.Pause == nil:
		return nil, fmt.Errorf("pause switch is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.DeadQueue == "" {
		return nil, fmt.Errorf("dead queue name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	status := deps.Status
	if status == nil {
		status = nopStatusListener{}
	}

	return &DeliveryWorker{
		notifications: deps.Notifications,
		attempts:      deps.Attempts,
		provider:      deps.Provider,
		breaker:       deps.Breaker,
		limiter:       deps.Limiter,
		policy:        deps.Policy,
		pause:         deps.Pause,
		publisher:     deps.Publisher,
		archiver:      deps.Archiver,
		status:        status,
		cfg:           cfg.withDefaults(),
		metrics:       deps.Metrics,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// Process runs the eligibility gate, the breaker and throttle checks and at
// most one provider call for the notification. A returned error means the
// job should be redelivered as is.
func (w *DeliveryWorker) Process(ctx context.Context, notificationID string) (queue.Outcome, error) {
	if w.pause.Paused(ctx) {
		return queue.Requeue(w.cfg.PauseDelay), nil
	}

	n, err := w.notifications.GetByID(ctx, notificationID)
	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("notification not found, dropping job", zap.String("notificationId", notificationID))
		return queue.Drop(), nil
	}
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to load notification: %w", err)
	}

	if n.TraceID != nil && n.SpanID != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = observability.WithRemoteTrace(ctx, *n.TraceID, *n.SpanID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("channel", n.Channel.String()),
	)
	now := w.now().UTC()

	if n.Status.IsTerminal() {
		return queue.Drop(), nil
	}
	if w.leaseHeld(n, now) {
		logger.Debug("notification is leased by another worker")
		return queue.Drop(), nil
	}
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		return queue.Requeue(w.cfg.ScheduledDelay), nil
	}
	if now.Sub(n.CreatedAt) > w.cfg.DeliveryTTL {
		return w.expire(ctx, n, now, logger)
	}
	if n.Status == domain.StatusRetrying && n.NextRetryAt != nil && n.NextRetryAt.After(now) {
		return queue.Requeue(requeueDelay(n.NextRetryAt.Sub(now))), nil
	}

	claimed, err := w.notifications.MarkProcessing(ctx, n, now)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to claim notification: %w", err)
	}
	if !claimed {
		logger.Debug("notification changed before claim, dropping job")
		return queue.Drop(), nil
	}
	w.status.StatusChanged(ctx, n)

	channel := n.Channel.String()
	if !w.breaker.Allow(ctx, channel) {
		return w.deferForCircuit(ctx, n, now, logger)
	}

	acquired, err := w.limiter.Wait(ctx, channel, w.cfg.RateLimitWait)
	if err != nil {
		if ctx.Err() != nil {
			return queue.Outcome{}, ctx.Err()
		}
		logger.Warn("rate limiter unavailable, allowing send", zap.Error(err))
		acquired = true
	}
	if !acquired {
		w.metrics.IncThrottled(channel)
		return queue.Requeue(w.cfg.ThrottleDelay), nil
	}

	return w.attempt(ctx, n, logger)
}

// leaseHeld reports whether a processing notification was claimed recently
// enough that another worker still owns it.
func (w *DeliveryWorker) leaseHeld(n *domain.Notification, now time.Time) bool {
	if n.Status != domain.StatusProcessing {
		return false
	}
	if n.ProcessingStartedAt != nil {
		return now.Sub(*n.ProcessingStartedAt) < w.cfg.ProcessingTimeout
	}
	return now.Sub(n.UpdatedAt) < w.cfg.ProcessingTimeout
}

// requeueDelay rounds d up to whole seconds so waits share delay queues.
func requeueDelay(d time.Duration) time.Duration {
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return max(rounded, minRequeueDelay)
}

func (w *DeliveryWorker) expire(ctx context.Context, n *domain.Notification, now time.Time, logger *zap.Logger) (queue.Outcome, error) {
	expired, err := w.notifications.MarkExpired(ctx, n.ID, now)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to expire notification: %w", err)
	}
	if !expired {
		return queue.Drop(), nil
	}

	n.Status = domain.StatusFailed
	n.SetDeliveryError(domain.ExpiredErrorMessage, domain.ErrorTypeExpired, domain.ErrorCodeExpired)
	w.metrics.IncNotificationFailed(n.Channel.String(), "expired")
	w.status.StatusChanged(ctx, n)
	logger.Warn("notification expired before delivery", zap.Time("createdAt", n.CreatedAt))
	return queue.Completed(), nil
}

func (w *DeliveryWorker) deferForCircuit(ctx context.Context, n *domain.Notification, now time.Time, logger *zap.Logger) (queue.Outcome, error) {
	delay := w.policy.CircuitOpenDelay()
	next := now.Add(delay)
	if err := w.notifications.MarkRetrying(ctx, n.ID, now, next); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return queue.Drop(), nil
		}
		return queue.Outcome{}, fmt.Errorf("failed to defer notification for open circuit: %w", err)
	}

	n.Status = domain.StatusRetrying
	n.LastRetryAt = &now
	n.NextRetryAt = &next
	w.metrics.IncCircuitRejection(n.Channel.String())
	w.status.StatusChanged(ctx, n)
	logger.Info("circuit open, deferring notification", zap.Duration("delay", delay))
	return queue.Requeue(delay), nil
}

func (w *DeliveryWorker) attempt(ctx context.Context, n *domain.Notification, logger *zap.Logger) (queue.Outcome, error) {
	channel := n.Channel.String()

	if closed, err := w.attempts.CloseAbandoned(ctx, n.ID, w.now().UTC()); err != nil {
		logger.Warn("failed to close abandoned attempts", zap.Error(err))
	} else if closed > 0 {
		logger.Warn("closed abandoned attempts", zap.Int64("count", closed))
	}

	// Rows left by a worker that never recorded an outcome still count.
	last, err := w.attempts.LastAttemptNumber(ctx, n.ID)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to read attempt history: %w", err)
	}
	n.Attempts = max(n.Attempts, last)
	if n.Attempts >= maxAttemptsOf(n) {
		return w.exhaust(ctx, n, logger)
	}

	attemptNumber := n.Attempts + 1
	req := provider.NewRequest(n)
	attempt := &domain.NotificationAttempt{
		ID:             w.newID(),
		NotificationID: n.ID,
		AttemptNumber:  attemptNumber,
		Status:         domain.AttemptStatusSending,
		RequestPayload: req.Payload(),
	}
	if err := w.attempts.Create(ctx, attempt); err != nil {
		return queue.Outcome{}, fmt.Errorf("failed to record attempt: %w", err)
	}

	w.metrics.IncWorkerInFlight(channel)
	start := w.now()
	resp, sendErr := w.provider.Send(ctx, req)
	duration := w.now().Sub(start)
	w.metrics.DecWorkerInFlight(channel)
	w.metrics.ObserveNotificationSendDuration(channel, duration)

	if sendErr == nil {
		return w.succeed(ctx, n, attempt, resp, duration, logger)
	}
	return w.fail(ctx, n, attempt, sendErr, duration, logger)
}

func (w *DeliveryWorker) succeed(
	ctx context.Context,
	n *domain.Notification,
	attempt *domain.NotificationAttempt,
	resp *provider.Response,
	duration time.Duration,
	logger *zap.Logger,
) (queue.Outcome, error) {
	if resp == nil {
		resp = &provider.Response{}
	}
	sentAt := w.now().UTC()

	n.Status = domain.StatusSent
	n.SentAt = &sentAt
	n.Attempts = attempt.AttemptNumber
	n.ProviderResponse = resp.Body
	n.ProviderMessageID = nil
	if resp.MessageID != "" {
		messageID := resp.MessageID
		n.ProviderMessageID = &messageID
	}
	n.ClearDeliveryError()

	attempt.MarkSent(resp.Body, duration)
	if resp.StatusCode > 0 {
		status := resp.StatusCode
		attempt.HTTPStatus = &status
	}

	if err := w.notifications.RecordOutcome(ctx, n, attempt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return lostClaim(logger, attempt), nil
		}
		return queue.Outcome{}, fmt.Errorf("failed to record successful delivery: %w", err)
	}

	w.breaker.RecordSuccess(ctx, n.Channel.String())
	w.metrics.IncNotificationSent(n.Channel.String())
	w.status.StatusChanged(ctx, n)
	logger.Info("notification sent",
		zap.Int("attempt", attempt.AttemptNumber),
		zap.Bool("fallback", resp.Fallback),
	)
	return queue.Completed(), nil
}

func (w *DeliveryWorker) fail(
	ctx context.Context,
	n *domain.Notification,
	attempt *domain.NotificationAttempt,
	sendErr error,
	duration time.Duration,
	logger *zap.Logger,
) (queue.Outcome, error) {
	channel := n.Channel.String()
	errorType, code := provider.Classify(sendErr)
	if errorType != domain.ErrorTypePermanent {
		w.breaker.RecordFailure(ctx, channel)
	}

	message := sendErr.Error()
	n.Attempts = attempt.AttemptNumber
	n.SetDeliveryError(message, errorType, code)
	attempt.MarkFailed(message, errorType, code, provider.StatusCode(sendErr), duration)
	if body := errorBody(sendErr); body != nil {
		attempt.ResponsePayload = body
		n.ProviderResponse = body
	}

	if errorType == domain.ErrorTypePermanent || attempt.AttemptNumber >= maxAttemptsOf(n) {
		n.Status = domain.StatusFailed
		n.NextRetryAt = nil
		if err := w.notifications.RecordOutcome(ctx, n, attempt); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return lostClaim(logger, attempt), nil
			}
			return queue.Outcome{}, fmt.Errorf("failed to record failed delivery: %w", err)
		}

		reason := "permanent_error"
		if errorType != domain.ErrorTypePermanent {
			reason = "retry_exhausted"
		}
		w.metrics.IncNotificationFailed(channel, reason)
		w.status.StatusChanged(ctx, n)
		w.deadLetter(ctx, n, logger)

		logger.Warn("notification failed",
			zap.String("errorType", errorType.String()),
			zap.String("errorCode", code),
			zap.Int("attempt", attempt.AttemptNumber),
		)
		return queue.Completed(), nil
	}

	now := w.now().UTC()
	delay := w.policy.Delay(attempt.AttemptNumber)
	next := now.Add(delay)
	n.Status = domain.StatusRetrying
	n.LastRetryAt = &now
	n.NextRetryAt = &next
	if err := w.notifications.RecordOutcome(ctx, n, attempt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return lostClaim(logger, attempt), nil
		}
		return queue.Outcome{}, fmt.Errorf("failed to record retry: %w", err)
	}

	w.metrics.IncRetryScheduled(channel)
	w.status.StatusChanged(ctx, n)
	logger.Info("notification scheduled for retry",
		zap.String("errorType", errorType.String()),
		zap.String("errorCode", code),
		zap.Int("attempt", attempt.AttemptNumber),
		zap.Duration("delay", delay),
	)
	return queue.Requeue(delay), nil
}

// exhaust fails a notification whose attempt budget was used up by attempts
// that never recorded an outcome. No provider call is made.
func (w *DeliveryWorker) exhaust(ctx context.Context, n *domain.Notification, logger *zap.Logger) (queue.Outcome, error) {
	n.Status = domain.StatusFailed
	n.NextRetryAt = nil
	n.SetDeliveryError(domain.AbandonedAttemptMessage, domain.ErrorTypeUnknown, domain.ErrorCodeAbandoned)
	if err := w.notifications.RecordOutcome(ctx, n, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Warn("notification left processing before it could be failed")
			return queue.Drop(), nil
		}
		return queue.Outcome{}, fmt.Errorf("failed to record exhausted delivery: %w", err)
	}

	w.metrics.IncNotificationFailed(n.Channel.String(), "retry_exhausted")
	w.status.StatusChanged(ctx, n)
	w.deadLetter(ctx, n, logger)
	logger.Warn("notification failed, attempts exhausted without outcome", zap.Int("attempts", n.Attempts))
	return queue.Completed(), nil
}

// lostClaim drops the job when the notification left processing while the
// provider call was in flight.
func lostClaim(logger *zap.Logger, attempt *domain.NotificationAttempt) queue.Outcome {
	logger.Warn("notification left processing during delivery, outcome not recorded",
		zap.Int("attempt", attempt.AttemptNumber),
		zap.String("attemptStatus", attempt.Status.String()),
	)
	return queue.Drop()
}

func maxAttemptsOf(n *domain.Notification) int {
	if n.MaxAttempts <= 0 {
		return domain.DefaultMaxAttempts
	}
	return n.MaxAttempts
}

// deadLetter hands the failed notification to the dead lane, archiving inline
// when the lane is unreachable.
func (w *DeliveryWorker) deadLetter(ctx context.Context, n *domain.Notification, logger *zap.Logger) {
	err := w.publisher.Publish(ctx, w.cfg.DeadQueue, queue.DeadLetterJob(n), 0)
	if err == nil {
		return
	}

	logger.Error("failed to enqueue dead letter job", zap.Error(err))
	if w.archiver == nil {
		return
	}
	if err := w.archiver.Archive(ctx, n.ID); err != nil {
		logger.Error("failed to archive dead letter", zap.Error(err))
	}
}

func errorBody(err error) json.RawMessage {
	var providerErr *provider.ProviderError
	if !errors.As(err, &providerErr) || providerErr.Body == "" {
		return nil
	}
	if !json.Valid([]byte(providerErr.Body)) {
		return nil
	}
	return json.RawMessage(providerErr.Body)
}
