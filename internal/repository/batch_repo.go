package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

type BatchRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Batch, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus) (bool, error)
	Cancel(ctx context.Context, id string, now time.Time) (int64, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// UpdateStatus moves the batch from one status to another; false means the
// status changed underneath.
func (r *GormBatchRepo) UpdateStatus(ctx context.Context, id string, from, to domain.BatchStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Cancel cancels every non-terminal, non-processing member and the batch itself
// in one transaction. It returns the number of cancelled members.
func (r *GormBatchRepo) Cancel(ctx context.Context, id string, now time.Time) (int64, error) {
	var cancelled int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch BatchModel
		if err := tx.First(&batch, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}

		result := tx.Model(&NotificationModel{}).
			Where("batch_id = ? AND status IN ?", id, []domain.Status{
				domain.StatusPending,
				domain.StatusScheduled,
				domain.StatusRetrying,
			}).
			Updates(map[string]any{
				"status":       domain.StatusCancelled,
				"cancelled_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		cancelled = result.RowsAffected

		return tx.Model(&BatchModel{}).
			Where("id = ?", id).
			Update("status", domain.BatchStatusCancelled).Error
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}
