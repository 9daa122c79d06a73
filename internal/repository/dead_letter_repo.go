package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

type DeadLetterListParams struct {
	Channel  *string
	Page     int
	PageSize int
}

type DeadLetterRepository interface {
	// Create archives d; it reports false when the notification was already archived.
	Create(ctx context.Context, d *domain.DeadLetterNotification) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.DeadLetterNotification, error)
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error)
	ListForRequeue(ctx context.Context, channel string, limit int) ([]domain.DeadLetterNotification, error)
	Count(ctx context.Context) (int64, error)
}

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

func (r *GormDeadLetterRepo) Create(ctx context.Context, d *domain.DeadLetterNotification) (bool, error) {
	model := deadLetterModelFromDomain(d)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "notification_id"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "notification_id IS NOT NULL"}}},
			DoNothing:   true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	*d = *deadLetterModelToDomain(model)
	return true, nil
}

func (r *GormDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterNotification, error) {
	var model DeadLetterModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deadLetterModelToDomain(&model), nil
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
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

	var models []DeadLetterModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	return deadLettersToDomain(models), total, nil
}

// ListForRequeue returns the oldest dead letters first.
func (r *GormDeadLetterRepo) ListForRequeue(ctx context.Context, channel string, limit int) ([]domain.DeadLetterNotification, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})
	if channel != "" {
		query = query.Where("channel = ?", channel)
	}

	var models []DeadLetterModel
	if err := query.Order("created_at ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return deadLettersToDomain(models), nil
}

func (r *GormDeadLetterRepo) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&DeadLetterModel{}).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func deadLettersToDomain(models []DeadLetterModel) []domain.DeadLetterNotification {
	out := make([]domain.DeadLetterNotification, 0, len(models))
	for i := range models {
		out = append(out, *deadLetterModelToDomain(&models[i]))
	}
	return out
}
