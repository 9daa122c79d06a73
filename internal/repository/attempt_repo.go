package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.NotificationAttempt) error
	// CloseAbandoned fails attempts of the notification still marked sending.
	// They belong to a worker that lost its lease before recording an outcome.
	CloseAbandoned(ctx context.Context, notificationID string, now time.Time) (int64, error)
	// LastAttemptNumber returns the highest recorded attempt number, zero when
	// the notification has none.
	LastAttemptNumber(ctx context.Context, notificationID string) (int, error)
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if a == nil {
		return fmt.Errorf("attempt is required")
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to insert attempt %d for %s: %w", a.AttemptNumber, a.NotificationID, err)
	}
	*a = *attemptModelToDomain(model)
	return nil
}

func (r *GormAttemptRepo) CloseAbandoned(ctx context.Context, notificationID string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&NotificationAttemptModel{}).
		Where("notification_id = ? AND status = ?", notificationID, domain.AttemptStatusSending).
		Updates(map[string]interface{}{
			"status":        domain.AttemptStatusFailed,
			"error_type":    domain.ErrorTypeUnknown,
			"error_message": domain.AbandonedAttemptMessage,
			"error_code":    domain.ErrorCodeAbandoned,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to close abandoned attempts for %s: %w", notificationID, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormAttemptRepo) LastAttemptNumber(ctx context.Context, notificationID string) (int, error) {
	var last int
	err := r.db.WithContext(ctx).
		Model(&NotificationAttemptModel{}).
		Select("COALESCE(MAX(attempt_number), 0)").
		Where("notification_id = ?", notificationID).
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read last attempt number for %s: %w", notificationID, err)
	}
	return last, nil
}

// GetByNotificationID returns the attempt history oldest first.
func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	var models []NotificationAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", notificationID, err)
	}

	attempts := make([]domain.NotificationAttempt, len(models))
	for i := range models {
		attempts[i] = *attemptModelToDomain(&models[i])
	}
	return attempts, nil
}
