package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
)

const minWorkerConcurrency = 1

// NotificationProcessor runs one delivery job.
type NotificationProcessor interface {
	Process(ctx context.Context, notificationID string) (queue.Outcome, error)
}

// DeadLetterHandler archives one failed notification.
type DeadLetterHandler interface {
	HandleJob(ctx context.Context, notificationID string) (queue.Outcome, error)
}

// BatchRecomputer refreshes one batch roll-up.
type BatchRecomputer interface {
	Recompute(ctx context.Context, batchID string) (queue.Outcome, error)
}

type WorkerService struct {
	consumer    queue.Consumer
	queues      queue.Names
	delivery    NotificationProcessor
	deadLetters DeadLetterHandler
	batches     BatchRecomputer
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	queues queue.Names,
	delivery NotificationProcessor,
	deadLetters DeadLetterHandler,
	batches BatchRecomputer,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if delivery == nil || deadLetters == nil || batches == nil {
		return nil, fmt.Errorf("delivery, dead letter and batch handlers are required")
	}
	if err := queues.Validate(); err != nil {
		return nil, err
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		queues:      queues,
		delivery:    delivery,
		deadLetters: deadLetters,
		batches:     batches,
		logger:      logger,
		tracer:      observability.Tracer(),
		concurrency: concurrency,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the delivery lanes with the configured concurrency, plus one
// consumer each for the dead and batch lanes, until ctx is cancelled.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	lanes := s.queues.DeliveryLanes()
	assignments := make([]string, 0, s.concurrency+2)
	for i := 0; i < s.concurrency; i++ {
		assignments = append(assignments, lanes[i%len(lanes)])
	}
	assignments = append(assignments, s.queues.Dead, s.queues.Batch)

	g, groupCtx := errgroup.WithContext(ctx)
	for i, queueName := range assignments {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.HandleJob)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// HandleJob dispatches a job to the component that owns its type.
func (s *WorkerService) HandleJob(ctx context.Context, job queue.Job) (queue.Outcome, error) {
	if job.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	}

	ctx, span := s.tracer.Start(ctx, "job."+string(job.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.type", string(job.Type)),
			attribute.String("notification.id", job.NotificationID),
			attribute.String("batch.id", job.BatchID),
		),
	)
	defer span.End()

	var (
		outcome queue.Outcome
		err     error
	)
	switch job.Type {
	case queue.JobSendNotification:
		outcome, err = s.delivery.Process(ctx, job.NotificationID)
	case queue.JobDeadLetter:
		outcome, err = s.deadLetters.HandleJob(ctx, job.NotificationID)
	case queue.JobUpdateBatchStatus:
		outcome, err = s.batches.Recompute(ctx, job.BatchID)
	default:
		observability.WithContextLogger(s.logger, ctx).Warn("unknown job type, dropping",
			zap.String("type", string(job.Type)),
		)
		outcome = queue.Drop()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncJobOutcome(string(job.Type), "error")
		return outcome, err
	}

	span.SetAttributes(attribute.String("job.outcome", outcome.Kind.String()))
	s.metrics.IncJobOutcome(string(job.Type), outcome.Kind.String())
	return outcome, nil
}
