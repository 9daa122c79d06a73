package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
)

func TestNewSchedulerAppliesDefaults(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler(&fakeNotificationRepo{}, &fakePublisher{}, testQueues, nil, nil, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if scheduler.interval != defaultSchedulerScanInterval {
		t.Fatalf("interval = %s, want %s", scheduler.interval, defaultSchedulerScanInterval)
	}
	if scheduler.limit != defaultSchedulerScanLimit {
		t.Fatalf("limit = %d, want %d", scheduler.limit, defaultSchedulerScanLimit)
	}
}

func TestSchedulerDispatchDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := []domain.Notification{
		{ID: "n-high", Priority: domain.PriorityHigh, Status: domain.StatusScheduled, BatchID: stringPtr("b-1")},
		{ID: "n-raced", Priority: domain.PriorityNormal, Status: domain.StatusScheduled},
		{ID: "n-low", Priority: domain.PriorityLow, Status: domain.StatusScheduled},
	}

	repo := &fakeNotificationRepo{
		getDueScheduledFn: func(ctx context.Context, at time.Time, limit int) ([]domain.Notification, error) {
			if !at.Equal(now) {
				t.Fatalf("due cutoff = %v, want %v", at, now)
			}
			if limit != 50 {
				t.Fatalf("limit = %d, want 50", limit)
			}
			return due, nil
		},
		markPendingIfScheduledFn: func(ctx context.Context, id string, at time.Time) (bool, error) {
			return id != "n-raced", nil
		},
	}
	publisher := &fakePublisher{}
	listener := &recordingListener{}

	scheduler, err := NewScheduler(repo, publisher, testQueues, fakePause{}, listener, time.Second, 50, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	scheduler.now = func() time.Time { return now }

	released, err := scheduler.DispatchDue(context.Background())
	if err != nil {
		t.Fatalf("DispatchDue() error = %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}

	jobs := publisher.jobs()
	if len(jobs) != 2 {
		t.Fatalf("published %d jobs, want 2", len(jobs))
	}
	if jobs[0].queue != testQueues.High || jobs[0].job.NotificationID != "n-high" {
		t.Fatalf("first job = %+v, want n-high on high lane", jobs[0])
	}
	if jobs[1].queue != testQueues.Low || jobs[1].job.Type != queue.JobSendNotification {
		t.Fatalf("second job = %+v, want send job on low lane", jobs[1])
	}
	if got := listener.seen(); !equalStatuses(got, []domain.Status{domain.StatusPending, domain.StatusPending}) {
		t.Fatalf("status changes = %v, want two pending", got)
	}
}

func TestSchedulerDispatchDueContinuesOnPublishError(t *testing.T) {
	t.Parallel()

	repo := &fakeNotificationRepo{
		getDueScheduledFn: func(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
			return []domain.Notification{{ID: "n-1"}, {ID: "n-2"}}, nil
		},
	}
	calls := 0
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, job queue.Job, delay time.Duration) error {
			calls++
			if job.NotificationID == "n-1" {
				return errors.New("broker down")
			}
			return nil
		},
	}

	scheduler, err := NewScheduler(repo, publisher, testQueues, fakePause{}, nil, time.Second, 10, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	released, err := scheduler.DispatchDue(context.Background())
	if err != nil {
		t.Fatalf("DispatchDue() error = %v", err)
	}
	if calls != 2 || released != 2 {
		t.Fatalf("publish calls=%d released=%d, want 2/2", calls, released)
	}
}

func TestSchedulerDispatchDueSkipsWhilePaused(t *testing.T) {
	t.Parallel()

	repo := &fakeNotificationRepo{
		getDueScheduledFn: func(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
			t.Fatal("GetDueScheduled should not be called while paused")
			return nil, nil
		},
	}

	scheduler, err := NewScheduler(repo, &fakePublisher{}, testQueues, fakePause{paused: true}, nil, time.Second, 10, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	released, err := scheduler.DispatchDue(context.Background())
	if err != nil || released != 0 {
		t.Fatalf("DispatchDue() = %d, %v, want 0, nil", released, err)
	}
}

func TestSchedulerDispatchDueRepositoryError(t *testing.T) {
	t.Parallel()

	repo := &fakeNotificationRepo{
		getDueScheduledFn: func(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
			return nil, errors.New("db down")
		},
	}

	scheduler, err := NewScheduler(repo, &fakePublisher{}, testQueues, nil, nil, time.Second, 10, nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if _, err := scheduler.DispatchDue(context.Background()); err == nil {
		t.Fatal("expected DispatchDue() error")
	}
}

func TestSchedulerStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scheduler, err := NewScheduler(&fakeNotificationRepo{}, &fakePublisher{}, testQueues, nil, nil, time.Second, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
