package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

var testQueues = queue.Names{
	High:   "notifications-high",
	Normal: "notifications-normal",
	Low:    "notifications-low",
	Dead:   "notifications-dead",
	Batch:  "notifications-batches",
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *infraredis.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := infraredis.NewStore(rdb)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return mr, store
}

type fakeNotificationRepo struct {
	createManyFn             func(ctx context.Context, batch *domain.Batch, notifications []*domain.Notification) error
	createFn                 func(ctx context.Context, n *domain.Notification) error
	getByIDFn                func(ctx context.Context, id string) (*domain.Notification, error)
	existingKeysFn           func(ctx context.Context, keys []string) (map[string]string, error)
	listFn                   func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	listByBatchFn            func(ctx context.Context, batchID string) ([]domain.Notification, error)
	markProcessingFn         func(ctx context.Context, n *domain.Notification, now time.Time) (bool, error)
	markRetryingFn           func(ctx context.Context, id string, lastRetryAt, nextRetryAt time.Time) error
	markExpiredFn            func(ctx context.Context, id string, now time.Time) (bool, error)
	recordOutcomeFn          func(ctx context.Context, n *domain.Notification, attempt *domain.NotificationAttempt) error
	cancelFn                 func(ctx context.Context, id string, now time.Time) (bool, error)
	countByStatusFn          func(ctx context.Context, batchID string) (map[domain.Status]int64, error)
	getDueScheduledFn        func(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	markPendingIfScheduledFn func(ctx context.Context, id string, now time.Time) (bool, error)
	getStalledFn             func(ctx context.Context, params repository.StalledParams) ([]domain.Notification, error)
	averageLatencyFn         func(ctx context.Context, since time.Time) (float64, error)
}

func (f *fakeNotificationRepo) CreateMany(ctx context.Context, batch *domain.Batch, notifications []*domain.Notification) error {
	if f.createManyFn != nil {
		return f.createManyFn(ctx, batch, notifications)
	}
	return nil
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	if f.createFn != nil {
		return f.createFn(ctx, n)
	}
	return nil
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]string, error) {
	if f.existingKeysFn != nil {
		return f.existingKeysFn(ctx, keys)
	}
	return map[string]string{}, nil
}

func (f *fakeNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeNotificationRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Notification, error) {
	if f.listByBatchFn != nil {
		return f.listByBatchFn(ctx, batchID)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) MarkProcessing(ctx context.Context, n *domain.Notification, now time.Time) (bool, error) {
	if f.markProcessingFn != nil {
		return f.markProcessingFn(ctx, n, now)
	}
	n.Status = domain.StatusProcessing
	if n.ProcessingStartedAt == nil {
		n.ProcessingStartedAt = &now
	}
	return true, nil
}

func (f *fakeNotificationRepo) MarkRetrying(ctx context.Context, id string, lastRetryAt, nextRetryAt time.Time) error {
	if f.markRetryingFn != nil {
		return f.markRetryingFn(ctx, id, lastRetryAt, nextRetryAt)
	}
	return nil
}

func (f *fakeNotificationRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.markExpiredFn != nil {
		return f.markExpiredFn(ctx, id, now)
	}
	return true, nil
}

func (f *fakeNotificationRepo) RecordOutcome(ctx context.Context, n *domain.Notification, attempt *domain.NotificationAttempt) error {
	if f.recordOutcomeFn != nil {
		return f.recordOutcomeFn(ctx, n, attempt)
	}
	return nil
}

func (f *fakeNotificationRepo) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id, now)
	}
	return true, nil
}

func (f *fakeNotificationRepo) CountByStatus(ctx context.Context, batchID string) (map[domain.Status]int64, error) {
	if f.countByStatusFn != nil {
		return f.countByStatusFn(ctx, batchID)
	}
	return map[domain.Status]int64{}, nil
}

func (f *fakeNotificationRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if f.getDueScheduledFn != nil {
		return f.getDueScheduledFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) MarkPendingIfScheduled(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.markPendingIfScheduledFn != nil {
		return f.markPendingIfScheduledFn(ctx, id, now)
	}
	return true, nil
}

func (f *fakeNotificationRepo) GetStalled(ctx context.Context, params repository.StalledParams) ([]domain.Notification, error) {
	if f.getStalledFn != nil {
		return f.getStalledFn(ctx, params)
	}
	return nil, nil
}

func (f *fakeNotificationRepo) AverageDeliveryLatency(ctx context.Context, since time.Time) (float64, error) {
	if f.averageLatencyFn != nil {
		return f.averageLatencyFn(ctx, since)
	}
	return 0, nil
}

type fakeBatchRepo struct {
	getByIDFn             func(ctx context.Context, id string) (*domain.Batch, error)
	getByIdempotencyKeyFn func(ctx context.Context, key string) (*domain.Batch, error)
	updateStatusFn        func(ctx context.Context, id string, from, to domain.BatchStatus) (bool, error)
	cancelFn              func(ctx context.Context, id string, now time.Time) (int64, error)
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Batch, error) {
	if f.getByIdempotencyKeyFn != nil {
		return f.getByIdempotencyKeyFn(ctx, key)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus) (bool, error) {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, from, to)
	}
	return true, nil
}

func (f *fakeBatchRepo) Cancel(ctx context.Context, id string, now time.Time) (int64, error) {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id, now)
	}
	return 0, nil
}

type fakeAttemptRepo struct {
	createFn              func(ctx context.Context, a *domain.NotificationAttempt) error
	closeAbandonedFn      func(ctx context.Context, notificationID string, now time.Time) (int64, error)
	lastAttemptNumberFn   func(ctx context.Context, notificationID string) (int, error)
	getByNotificationIDFn func(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

func (f *fakeAttemptRepo) CloseAbandoned(ctx context.Context, notificationID string, now time.Time) (int64, error) {
	if f.closeAbandonedFn != nil {
		return f.closeAbandonedFn(ctx, notificationID, now)
	}
	return 0, nil
}

func (f *fakeAttemptRepo) LastAttemptNumber(ctx context.Context, notificationID string) (int, error) {
	if f.lastAttemptNumberFn != nil {
		return f.lastAttemptNumberFn(ctx, notificationID)
	}
	return 0, nil
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	if f.getByNotificationIDFn != nil {
		return f.getByNotificationIDFn(ctx, notificationID)
	}
	return nil, nil
}

type fakeDeadLetterRepo struct {
	createFn         func(ctx context.Context, d *domain.DeadLetterNotification) (bool, error)
	getByIDFn        func(ctx context.Context, id string) (*domain.DeadLetterNotification, error)
	listFn           func(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error)
	listForRequeueFn func(ctx context.Context, channel string, limit int) ([]domain.DeadLetterNotification, error)
	countFn          func(ctx context.Context) (int64, error)
}

func (f *fakeDeadLetterRepo) Create(ctx context.Context, d *domain.DeadLetterNotification) (bool, error) {
	if f.createFn != nil {
		return f.createFn(ctx, d)
	}
	return true, nil
}

func (f *fakeDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterNotification, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeadLetterRepo) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeDeadLetterRepo) ListForRequeue(ctx context.Context, channel string, limit int) ([]domain.DeadLetterNotification, error) {
	if f.listForRequeueFn != nil {
		return f.listForRequeueFn(ctx, channel, limit)
	}
	return nil, nil
}

func (f *fakeDeadLetterRepo) Count(ctx context.Context) (int64, error) {
	if f.countFn != nil {
		return f.countFn(ctx)
	}
	return 0, nil
}

type fakeSettingRepo struct {
	allFn func(ctx context.Context) (map[string]string, error)
	setFn func(ctx context.Context, name, value string) error
}

func (f *fakeSettingRepo) All(ctx context.Context) (map[string]string, error) {
	if f.allFn != nil {
		return f.allFn(ctx)
	}
	return map[string]string{}, nil
}

func (f *fakeSettingRepo) Set(ctx context.Context, name, value string) error {
	if f.setFn != nil {
		return f.setFn(ctx, name, value)
	}
	return nil
}

type publishedJob struct {
	queue string
	job   queue.Job
	delay time.Duration
}

// fakePublisher records every publish unless publishFn overrides it.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedJob
	publishFn func(ctx context.Context, queueName string, job queue.Job, delay time.Duration) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, job queue.Job, delay time.Duration) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, job, delay); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedJob{queue: queueName, job: job, delay: delay})
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

func (f *fakePublisher) jobs() []publishedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedJob(nil), f.published...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.Handler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.Handler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error {
	return nil
}

type fakeProvider struct {
	sendFn func(ctx context.Context, req provider.Request) (*provider.Response, error)
}

func (f *fakeProvider) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &provider.Response{StatusCode: 202, MessageID: "msg-1"}, nil
}

type fakeBreaker struct {
	allowFn   func(ctx context.Context, channel string) bool
	successes int
	failures  int
}

func (f *fakeBreaker) Allow(ctx context.Context, channel string) bool {
	if f.allowFn != nil {
		return f.allowFn(ctx, channel)
	}
	return true
}

func (f *fakeBreaker) RecordSuccess(context.Context, string) { f.successes++ }

func (f *fakeBreaker) RecordFailure(context.Context, string) { f.failures++ }

type fakeLimiter struct {
	waitFn func(ctx context.Context, id string, maxWait time.Duration) (bool, error)
}

func (f *fakeLimiter) Allow(ctx context.Context, id string) (bool, error) {
	return f.Wait(ctx, id, 0)
}

func (f *fakeLimiter) Wait(ctx context.Context, id string, maxWait time.Duration) (bool, error) {
	if f.waitFn != nil {
		return f.waitFn(ctx, id, maxWait)
	}
	return true, nil
}

func (f *fakeLimiter) Limit() int64 { return 100 }

type fakePolicy struct {
	delay       time.Duration
	circuitOpen time.Duration
}

func (f fakePolicy) Delay(int) time.Duration { return f.delay }

func (f fakePolicy) CircuitOpenDelay() time.Duration { return f.circuitOpen }

type fakePause struct {
	paused bool
}

func (f fakePause) Paused(context.Context) bool { return f.paused }

type fakeArchiver struct {
	archiveFn func(ctx context.Context, notificationID string) error
}

func (f *fakeArchiver) Archive(ctx context.Context, notificationID string) error {
	if f.archiveFn != nil {
		return f.archiveFn(ctx, notificationID)
	}
	return nil
}

// recordingListener keeps every status it was told about.
type recordingListener struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (r *recordingListener) StatusChanged(_ context.Context, n *domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, n.Status)
}

func (r *recordingListener) seen() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses...)
}

func stringPtr(v string) *string {
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}
