package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
)

// deliveryLedger holds notifications and attempt rows the way Postgres does
// for the worker: compare-and-set claims, guarded outcome writes and a unique
// attempt number per notification.
type deliveryLedger struct {
	t             *testing.T
	now           time.Time
	notifications map[string]*domain.Notification
	attempts      []*domain.NotificationAttempt
	failOutcomes  int
	nextID        int
}

func newDeliveryLedger(t *testing.T, notifications ...*domain.Notification) *deliveryLedger {
	l := &deliveryLedger{
		t:             t,
		now:           workerNow,
		notifications: make(map[string]*domain.Notification, len(notifications)),
	}
	for _, n := range notifications {
		l.notifications[n.ID] = n
	}
	return l
}

func (l *deliveryLedger) attach(f *workerFixture) {
	f.repo.getByIDFn = func(ctx context.Context, id string) (*domain.Notification, error) {
		n, ok := l.notifications[id]
		if !ok {
			return nil, domain.ErrNotFound
		}
		copied := *n
		return &copied, nil
	}
	f.repo.markProcessingFn = func(ctx context.Context, n *domain.Notification, now time.Time) (bool, error) {
		stored := l.notifications[n.ID]
		if stored.Status != n.Status || !stored.UpdatedAt.Equal(n.UpdatedAt) {
			return false, nil
		}
		stored.Status = domain.StatusProcessing
		if stored.ProcessingStartedAt == nil {
			stored.ProcessingStartedAt = timePtr(now)
		}
		stored.UpdatedAt = now
		n.Status = stored.Status
		n.ProcessingStartedAt = stored.ProcessingStartedAt
		n.UpdatedAt = now
		return true, nil
	}
	f.repo.markRetryingFn = func(ctx context.Context, id string, lastRetryAt, nextRetryAt time.Time) error {
		stored := l.notifications[id]
		if stored.Status != domain.StatusProcessing {
			return domain.ErrConflict
		}
		stored.Status = domain.StatusRetrying
		stored.LastRetryAt = timePtr(lastRetryAt)
		stored.NextRetryAt = timePtr(nextRetryAt)
		stored.UpdatedAt = l.now
		return nil
	}
	f.repo.recordOutcomeFn = func(ctx context.Context, n *domain.Notification, a *domain.NotificationAttempt) error {
		if l.failOutcomes > 0 {
			l.failOutcomes--
			return errors.New("transaction aborted")
		}
		stored := l.notifications[n.ID]
		if stored.Status != domain.StatusProcessing {
			return domain.ErrConflict
		}
		*stored = *n
		stored.UpdatedAt = l.now
		if a != nil {
			for i, row := range l.attempts {
				if row.ID == a.ID {
					copied := *a
					l.attempts[i] = &copied
				}
			}
		}
		return nil
	}

	f.attempts.createFn = func(ctx context.Context, a *domain.NotificationAttempt) error {
		for _, row := range l.attempts {
			if row.NotificationID == a.NotificationID && row.AttemptNumber == a.AttemptNumber {
				return errors.New(`duplicate key value violates unique constraint "idx_attempts_notification_number"`)
			}
		}
		copied := *a
		l.attempts = append(l.attempts, &copied)
		return nil
	}
	f.attempts.closeAbandonedFn = func(ctx context.Context, notificationID string, now time.Time) (int64, error) {
		var closed int64
		for _, row := range l.rows(notificationID) {
			if row.Status == domain.AttemptStatusSending {
				row.Status = domain.AttemptStatusFailed
				row.ErrorMessage = stringPtr(domain.AbandonedAttemptMessage)
				closed++
			}
		}
		return closed, nil
	}
	f.attempts.lastAttemptNumberFn = func(ctx context.Context, notificationID string) (int, error) {
		last := 0
		for _, row := range l.rows(notificationID) {
			last = max(last, row.AttemptNumber)
		}
		return last, nil
	}
}

func (l *deliveryLedger) worker(f *workerFixture) *DeliveryWorker {
	l.t.Helper()

	l.attach(f)
	w := f.worker(l.t)
	w.now = func() time.Time { return l.now }
	w.newID = func() string {
		l.nextID++
		return "attempt-" + strconv.Itoa(l.nextID)
	}
	return w
}

func (l *deliveryLedger) rows(notificationID string) []*domain.NotificationAttempt {
	var rows []*domain.NotificationAttempt
	for _, row := range l.attempts {
		if row.NotificationID == notificationID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AttemptNumber < rows[j].AttemptNumber })
	return rows
}

func (l *deliveryLedger) rowSummary(notificationID string) string {
	summary := ""
	for _, row := range l.rows(notificationID) {
		summary += fmt.Sprintf("#%d:%s ", row.AttemptNumber, row.Status)
	}
	return summary
}

func TestDeliveryWorkerRetriesUntilDelivered(t *testing.T) {
	t.Parallel()

	n := pendingNotification()
	ledger := newDeliveryLedger(t, n)
	f := newWorkerFixture(nil)

	calls := 0
	f.provider.sendFn = func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		if calls < 5 {
			return nil, &provider.ProviderError{StatusCode: 503, Message: "unavailable"}
		}
		return &provider.Response{StatusCode: 202, MessageID: "msg-5"}, nil
	}
	w := ledger.worker(f)

	for pass := 1; pass <= 4; pass++ {
		outcome, err := w.Process(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("pass %d: Process() error = %v", pass, err)
		}
		if outcome.Kind != queue.OutcomeRequeue || outcome.Delay != 4*time.Second {
			t.Fatalf("pass %d: outcome = %s/%s, want requeue/4s", pass, outcome.Kind, outcome.Delay)
		}
		if got := ledger.notifications[n.ID]; got.Status != domain.StatusRetrying || got.Attempts != pass {
			t.Fatalf("pass %d: status=%s attempts=%d, want retrying/%d", pass, got.Status, got.Attempts, pass)
		}
		ledger.now = ledger.now.Add(10 * time.Second)
	}

	outcome, err := w.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("final pass: Process() error = %v", err)
	}
	if outcome.Kind != queue.OutcomeCompleted {
		t.Fatalf("final pass: outcome = %s, want completed", outcome.Kind)
	}

	got := ledger.notifications[n.ID]
	if got.Status != domain.StatusSent || got.Attempts != 5 {
		t.Fatalf("status=%s attempts=%d, want sent/5", got.Status, got.Attempts)
	}
	if got.ProviderMessageID == nil || *got.ProviderMessageID != "msg-5" {
		t.Fatalf("provider message id = %v, want msg-5", got.ProviderMessageID)
	}
	if got.LastError != nil || got.NextRetryAt != nil {
		t.Fatal("delivery error fields should be cleared after success")
	}

	rows := ledger.rows(n.ID)
	if len(rows) != 5 {
		t.Fatalf("attempt rows = %s, want 5", ledger.rowSummary(n.ID))
	}
	for i, row := range rows {
		want := domain.AttemptStatusFailed
		if i == 4 {
			want = domain.AttemptStatusSent
		}
		if row.AttemptNumber != i+1 || row.Status != want {
			t.Fatalf("attempt rows = %s, want #1-#4 failed and #5 sent", ledger.rowSummary(n.ID))
		}
	}
	if f.breaker.failures != 4 || f.breaker.successes != 1 {
		t.Fatalf("breaker failures=%d successes=%d, want 4/1", f.breaker.failures, f.breaker.successes)
	}
	if jobs := f.publisher.jobs(); len(jobs) != 0 {
		t.Fatalf("published %d jobs, want none", len(jobs))
	}
}

func TestDeliveryWorkerNumbersPastAbandonedAttempt(t *testing.T) {
	t.Parallel()

	n := pendingNotification()
	ledger := newDeliveryLedger(t, n)
	ledger.failOutcomes = 1
	f := newWorkerFixture(nil)

	calls := 0
	f.provider.sendFn = func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		if calls == 1 {
			return nil, &provider.ProviderError{StatusCode: 503}
		}
		return &provider.Response{StatusCode: 202}, nil
	}
	w := ledger.worker(f)

	if _, err := w.Process(context.Background(), n.ID); err == nil {
		t.Fatal("expected the failed outcome write to surface")
	}
	if got := ledger.notifications[n.ID]; got.Status != domain.StatusProcessing || got.Attempts != 0 {
		t.Fatalf("status=%s attempts=%d, want processing/0", got.Status, got.Attempts)
	}

	// Redelivered inside the lease: another worker still owns it.
	ledger.now = ledger.now.Add(time.Minute)
	outcome, err := w.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != queue.OutcomeDrop {
		t.Fatalf("outcome = %s, want drop while leased", outcome.Kind)
	}

	ledger.now = ledger.now.Add(5 * time.Minute)
	outcome, err = w.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Process() after lease expiry error = %v", err)
	}
	if outcome.Kind != queue.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", outcome.Kind)
	}

	got := ledger.notifications[n.ID]
	if got.Status != domain.StatusSent || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want sent/2", got.Status, got.Attempts)
	}
	rows := ledger.rows(n.ID)
	if len(rows) != got.Attempts {
		t.Fatalf("attempt rows = %s, want one row per attempt", ledger.rowSummary(n.ID))
	}
	if rows[0].Status != domain.AttemptStatusFailed || rows[0].ErrorMessage == nil ||
		*rows[0].ErrorMessage != domain.AbandonedAttemptMessage {
		t.Fatalf("attempt #1 = %+v, want closed as abandoned", rows[0])
	}
	if rows[1].AttemptNumber != 2 || rows[1].Status != domain.AttemptStatusSent {
		t.Fatalf("attempt rows = %s, want #2 sent", ledger.rowSummary(n.ID))
	}
}

func TestDeliveryWorkerFailsWhenAbandonedAttemptsExhaustBudget(t *testing.T) {
	t.Parallel()

	n := pendingNotification()
	n.MaxAttempts = 2
	ledger := newDeliveryLedger(t, n)
	ledger.failOutcomes = 2
	f := newWorkerFixture(nil)

	calls := 0
	f.provider.sendFn = func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		return nil, &provider.ProviderError{StatusCode: 503}
	}
	w := ledger.worker(f)

	for pass := 1; pass <= 2; pass++ {
		if _, err := w.Process(context.Background(), n.ID); err == nil {
			t.Fatalf("pass %d: expected the failed outcome write to surface", pass)
		}
		ledger.now = ledger.now.Add(6 * time.Minute)
	}

	outcome, err := w.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != queue.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", outcome.Kind)
	}
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}

	got := ledger.notifications[n.ID]
	if got.Status != domain.StatusFailed || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want failed/2", got.Status, got.Attempts)
	}
	if got.ErrorCode == nil || *got.ErrorCode != domain.ErrorCodeAbandoned {
		t.Fatalf("error code = %v, want %s", got.ErrorCode, domain.ErrorCodeAbandoned)
	}
	if rows := ledger.rows(n.ID); len(rows) != 2 {
		t.Fatalf("attempt rows = %s, want 2", ledger.rowSummary(n.ID))
	}

	jobs := f.publisher.jobs()
	if len(jobs) != 1 || jobs[0].queue != testQueues.Dead || jobs[0].job.Type != queue.JobDeadLetter {
		t.Fatalf("published %+v, want one dead letter job", jobs)
	}
}

func TestDeliveryWorkerOpenCircuitDefersNextNotification(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	circuit, err := breaker.New(store, breaker.Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		OpenDuration:     30 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("breaker.New() error = %v", err)
	}

	var notifications []*domain.Notification
	for i := 1; i <= 7; i++ {
		n := pendingNotification()
		n.ID = "n-" + strconv.Itoa(i)
		notifications = append(notifications, n)
	}
	ledger := newDeliveryLedger(t, notifications...)
	f := newWorkerFixture(nil)
	f.circuit = circuit

	sends := 0
	f.provider.sendFn = func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		sends++
		return nil, &provider.ProviderError{StatusCode: 500, Message: "internal error"}
	}
	w := ledger.worker(f)

	// Five failures open the circuit; the sixth send is the half-open probe.
	for i, n := range notifications[:6] {
		outcome, err := w.Process(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("%s: Process() error = %v", n.ID, err)
		}
		if outcome.Kind != queue.OutcomeRequeue || outcome.Delay != 4*time.Second {
			t.Fatalf("%s: outcome = %s/%s, want requeue/4s", n.ID, outcome.Kind, outcome.Delay)
		}
		if i == 4 {
			open, err := circuit.IsOpen(context.Background(), "sms")
			if err != nil || !open {
				t.Fatalf("IsOpen() = %v, %v; want open after five failures", open, err)
			}
		}
	}

	blocked := notifications[6]
	outcome, err := w.Process(context.Background(), blocked.ID)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if outcome.Kind != queue.OutcomeRequeue || outcome.Delay != 30*time.Second {
		t.Fatalf("outcome = %s/%s, want requeue/30s", outcome.Kind, outcome.Delay)
	}
	if sends != 6 {
		t.Fatalf("provider calls = %d, want 6", sends)
	}

	got := ledger.notifications[blocked.ID]
	if got.Status != domain.StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(ledger.now.Add(30*time.Second)) {
		t.Fatalf("next_retry_at = %v, want now+30s", got.NextRetryAt)
	}
	if rows := ledger.rows(blocked.ID); len(rows) != 0 {
		t.Fatalf("attempt rows = %s, want none while the circuit is open", ledger.rowSummary(blocked.ID))
	}
}
