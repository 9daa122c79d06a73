package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const insertChunkSize = 100

type ListParams struct {
	Status   *domain.Status
	Channel  *domain.Channel
	Priority *domain.Priority
	BatchID  *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// StalledParams selects notifications whose job was lost: processing rows last
// claimed before ProcessingBefore, retries due before RetryBefore and pending
// rows untouched since PendingBefore.
type StalledParams struct {
	ProcessingBefore time.Time
	RetryBefore      time.Time
	PendingBefore    time.Time
	Limit            int
}

type NotificationRepository interface {
	CreateMany(ctx context.Context, batch *domain.Batch, notifications []*domain.Notification) error
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]string, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Notification, error)
	MarkProcessing(ctx context.Context, n *domain.Notification, now time.Time) (bool, error)
	MarkRetrying(ctx context.Context, id string, lastRetryAt, nextRetryAt time.Time) error
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	RecordOutcome(ctx context.Context, n *domain.Notification, attempt *domain.NotificationAttempt) error
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	CountByStatus(ctx context.Context, batchID string) (map[domain.Status]int64, error)
	GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	MarkPendingIfScheduled(ctx context.Context, id string, now time.Time) (bool, error)
	GetStalled(ctx context.Context, params StalledParams) ([]domain.Notification, error)
	AverageDeliveryLatency(ctx context.Context, since time.Time) (float64, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

// CreateMany inserts the optional batch and all notifications in one transaction.
func (r *GormNotificationRepo) CreateMany(ctx context.Context, batch *domain.Batch, notifications []*domain.Notification) error {
	models := make([]NotificationModel, 0, len(notifications))
	for _, n := range notifications {
		if model := notificationModelFromDomain(n); model != nil {
			models = append(models, *model)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if batch != nil {
			batchModel := batchModelFromDomain(batch)
			if err := tx.Create(batchModel).Error; err != nil {
				return err
			}
			*batch = *batchModelToDomain(batchModel)
		}
		if len(models) == 0 {
			return nil
		}
		return tx.CreateInBatches(&models, insertChunkSize).Error
	})
	if err != nil {
		return translateError(err)
	}

	i := 0
	for _, n := range notifications {
		if n == nil {
			continue
		}
		*n = *notificationModelToDomain(&models[i])
		i++
	}
	return nil
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateError(err)
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

// ExistingIdempotencyKeys maps each already stored key to its notification id.
func (r *GormNotificationRepo) ExistingIdempotencyKeys(ctx context.Context, keys []string) (map[string]string, error) {
	existing := make(map[string]string)
	if len(keys) == 0 {
		return existing, nil
	}

	var rows []struct {
		ID             string
		IdempotencyKey string
	}
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("id, idempotency_key").
		Where("idempotency_key IN ?", keys).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		existing[row.IdempotencyKey] = row.ID
	}
	return existing, nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.Priority != nil {
		query = query.Where("priority = ?", *params.Priority)
	}
	if params.BatchID != nil {
		query = query.Where("batch_id = ?", *params.BatchID)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 25
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return notificationsToDomain(models), total, nil
}

func (r *GormNotificationRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

// MarkProcessing claims n for delivery. The update only applies if the row is
// unchanged since n was read, so concurrent workers cannot both claim it.
func (r *GormNotificationRepo) MarkProcessing(ctx context.Context, n *domain.Notification, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND updated_at = ?", n.ID, n.Status, n.UpdatedAt).
		Updates(map[string]any{
			"status":                domain.StatusProcessing,
			"processing_started_at": gorm.Expr("COALESCE(processing_started_at, ?)", now),
			"updated_at":            now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	n.Status = domain.StatusProcessing
	if n.ProcessingStartedAt == nil {
		started := now
		n.ProcessingStartedAt = &started
	}
	n.UpdatedAt = now
	return true, nil
}

func (r *GormNotificationRepo) MarkRetrying(ctx context.Context, id string, lastRetryAt, nextRetryAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusRetrying,
			"last_retry_at": lastRetryAt,
			"next_retry_at": nextRetryAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"last_error": domain.ExpiredErrorMessage,
			"error_type": domain.ErrorTypeExpired,
			"error_code": domain.ErrorCodeExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RecordOutcome writes the notification delivery state and the finalized
// attempt in one transaction. The notification must still be processing;
// otherwise nothing is written and ErrConflict is returned.
func (r *GormNotificationRepo) RecordOutcome(ctx context.Context, n *domain.Notification, attempt *domain.NotificationAttempt) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&NotificationModel{}).
			Where("id = ? AND status = ?", n.ID, domain.StatusProcessing).
			Updates(map[string]any{
				"status":              n.Status,
				"attempts":            n.Attempts,
				"sent_at":             n.SentAt,
				"last_retry_at":       n.LastRetryAt,
				"next_retry_at":       n.NextRetryAt,
				"provider_message_id": n.ProviderMessageID,
				"provider_response":   toJSON(n.ProviderResponse),
				"last_error":          n.LastError,
				"error_type":          n.ErrorType,
				"error_code":          n.ErrorCode,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update notification: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return domain.ErrConflict
		}

		if attempt == nil {
			return nil
		}
		err := tx.Model(&NotificationAttemptModel{}).
			Where("id = ?", attempt.ID).
			Updates(map[string]any{
				"status":           attempt.Status,
				"response_payload": toJSON(attempt.ResponsePayload),
				"error_message":    attempt.ErrorMessage,
				"error_type":       attempt.ErrorType,
				"error_code":       attempt.ErrorCode,
				"http_status":      attempt.HTTPStatus,
				"duration_ms":      attempt.DurationMS,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}
		return nil
	})
}

// Cancel moves a pending or scheduled notification to cancelled.
func (r *GormNotificationRepo) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusPending, domain.StatusScheduled}).
		Updates(map[string]any{
			"status":       domain.StatusCancelled,
			"cancelled_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountByStatus counts notifications by status, across all rows when batchID is empty.
func (r *GormNotificationRepo) CountByStatus(ctx context.Context, batchID string) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		Count  int64
	}

	query := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) AS count")
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[domain.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *GormNotificationRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.StatusScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

func (r *GormNotificationRepo) MarkPendingIfScheduled(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusScheduled).
		Updates(map[string]any{
			"status":     domain.StatusPending,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormNotificationRepo) GetStalled(ctx context.Context, params StalledParams) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, params.ProcessingBefore).
		Or("status = ? AND next_retry_at < ?", domain.StatusRetrying, params.RetryBefore).
		Or("status = ? AND updated_at < ?", domain.StatusPending, params.PendingBefore).
		Order("updated_at ASC").
		Limit(params.Limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models), nil
}

// AverageDeliveryLatency returns the mean created-to-sent time in seconds for
// notifications sent since the given time.
func (r *GormNotificationRepo) AverageDeliveryLatency(ctx context.Context, since time.Time) (float64, error) {
	var avg *float64
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("AVG(EXTRACT(EPOCH FROM (sent_at - created_at)))").
		Where("status = ? AND sent_at >= ?", domain.StatusSent, since).
		Scan(&avg).Error
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func notificationsToDomain(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}

func terminalStatuses() []domain.Status {
	return []domain.Status{domain.StatusSent, domain.StatusFailed, domain.StatusCancelled}
}

func translateError(err error) error {
	if isUniqueViolationError(err) {
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}
	return err
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
