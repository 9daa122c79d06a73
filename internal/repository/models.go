package repository

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                  string            `gorm:"type:uuid;primaryKey"`
	BatchID             *string           `gorm:"type:uuid;index"`
	Channel             domain.Channel    `gorm:"type:varchar(10);not null"`
	Priority            domain.Priority   `gorm:"type:varchar(10);not null;default:normal"`
	Recipient           string            `gorm:"type:varchar(255);not null"`
	Content             string            `gorm:"type:text;not null"`
	Status              domain.Status     `gorm:"type:varchar(20);not null"`
	IdempotencyKey      *string           `gorm:"type:varchar(255)"`
	CorrelationID       string            `gorm:"type:varchar(128);not null"`
	TraceID             *string           `gorm:"type:varchar(32)"`
	SpanID              *string           `gorm:"type:varchar(16)"`
	Attempts            int               `gorm:"not null;default:0"`
	MaxAttempts         int               `gorm:"not null;default:5"`
	ScheduledAt         *time.Time        `gorm:"type:timestamptz"`
	ProcessingStartedAt *time.Time        `gorm:"type:timestamptz"`
	LastRetryAt         *time.Time        `gorm:"type:timestamptz"`
	NextRetryAt         *time.Time        `gorm:"type:timestamptz"`
	SentAt              *time.Time        `gorm:"type:timestamptz"`
	CancelledAt         *time.Time        `gorm:"type:timestamptz"`
	ProviderMessageID   *string           `gorm:"type:varchar(255)"`
	ProviderResponse    datatypes.JSON    `gorm:"type:jsonb"`
	LastError           *string           `gorm:"type:text"`
	ErrorType           *domain.ErrorType `gorm:"type:varchar(20)"`
	ErrorCode           *string           `gorm:"type:varchar(64)"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID              string               `gorm:"type:uuid;primaryKey"`
	NotificationID  string               `gorm:"type:uuid;not null"`
	AttemptNumber   int                  `gorm:"not null"`
	Status          domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	RequestPayload  datatypes.JSON       `gorm:"type:jsonb"`
	ResponsePayload datatypes.JSON       `gorm:"type:jsonb"`
	ErrorMessage    *string              `gorm:"type:text"`
	ErrorType       *domain.ErrorType    `gorm:"type:varchar(20)"`
	ErrorCode       *string              `gorm:"type:varchar(64)"`
	HTTPStatus      *int                 `gorm:"column:http_status"`
	DurationMS      *int                 `gorm:"column:duration_ms"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// BatchModel is the persistence model for notification_batches.
type BatchModel struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	IdempotencyKey *string            `gorm:"type:varchar(128)"`
	CorrelationID  *string            `gorm:"type:varchar(128)"`
	TraceID        *string            `gorm:"type:varchar(32)"`
	SpanID         *string            `gorm:"type:varchar(16)"`
	Status         domain.BatchStatus `gorm:"type:varchar(20);not null"`
	TotalCount     int                `gorm:"not null"`
	Metadata       datatypes.JSON     `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (BatchModel) TableName() string {
	return "notification_batches"
}

// DeadLetterModel is the persistence model for dead_letter_notifications.
type DeadLetterModel struct {
	ID             string                                   `gorm:"type:uuid;primaryKey"`
	NotificationID *string                                  `gorm:"type:uuid"`
	Channel        string                                   `gorm:"type:varchar(10);not null"`
	Recipient      string                                   `gorm:"type:varchar(255);not null"`
	Attempts       int                                      `gorm:"not null;default:0"`
	ErrorType      *domain.ErrorType                        `gorm:"type:varchar(20)"`
	ErrorCode      *string                                  `gorm:"type:varchar(64)"`
	ErrorMessage   *string                                  `gorm:"type:text"`
	Payload        datatypes.JSONType[domain.ReplayPayload] `gorm:"type:jsonb"`
	LastResponse   datatypes.JSON                           `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeadLetterModel) TableName() string {
	return "dead_letter_notifications"
}

// SettingModel is the persistence model for notification_settings.
type SettingModel struct {
	Name      string `gorm:"type:varchar(64);primaryKey"`
	Value     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SettingModel) TableName() string {
	return "notification_settings"
}

func toJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func fromJSON(value datatypes.JSON) json.RawMessage {
	if len(value) == 0 {
		return nil
	}
	return json.RawMessage(value)
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                  n.ID,
		BatchID:             n.BatchID,
		Channel:             n.Channel,
		Priority:            n.Priority,
		Recipient:           n.Recipient,
		Content:             n.Content,
		Status:              n.Status,
		IdempotencyKey:      n.IdempotencyKey,
		CorrelationID:       n.CorrelationID,
		TraceID:             n.TraceID,
		SpanID:              n.SpanID,
		Attempts:            n.Attempts,
		MaxAttempts:         n.MaxAttempts,
		ScheduledAt:         n.ScheduledAt,
		ProcessingStartedAt: n.ProcessingStartedAt,
		LastRetryAt:         n.LastRetryAt,
		NextRetryAt:         n.NextRetryAt,
		SentAt:              n.SentAt,
		CancelledAt:         n.CancelledAt,
		ProviderMessageID:   n.ProviderMessageID,
		ProviderResponse:    toJSON(n.ProviderResponse),
		LastError:           n.LastError,
		ErrorType:           n.ErrorType,
		ErrorCode:           n.ErrorCode,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:                  m.ID,
		BatchID:             m.BatchID,
		Channel:             m.Channel,
		Priority:            m.Priority,
		Recipient:           m.Recipient,
		Content:             m.Content,
		Status:              m.Status,
		IdempotencyKey:      m.IdempotencyKey,
		CorrelationID:       m.CorrelationID,
		TraceID:             m.TraceID,
		SpanID:              m.SpanID,
		Attempts:            m.Attempts,
		MaxAttempts:         m.MaxAttempts,
		ScheduledAt:         m.ScheduledAt,
		ProcessingStartedAt: m.ProcessingStartedAt,
		LastRetryAt:         m.LastRetryAt,
		NextRetryAt:         m.NextRetryAt,
		SentAt:              m.SentAt,
		CancelledAt:         m.CancelledAt,
		ProviderMessageID:   m.ProviderMessageID,
		ProviderResponse:    fromJSON(m.ProviderResponse),
		LastError:           m.LastError,
		ErrorType:           m.ErrorType,
		ErrorCode:           m.ErrorCode,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.NotificationAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:              a.ID,
		NotificationID:  a.NotificationID,
		AttemptNumber:   a.AttemptNumber,
		Status:          a.Status,
		RequestPayload:  toJSON(a.RequestPayload),
		ResponsePayload: toJSON(a.ResponsePayload),
		ErrorMessage:    a.ErrorMessage,
		ErrorType:       a.ErrorType,
		ErrorCode:       a.ErrorCode,
		HTTPStatus:      a.HTTPStatus,
		DurationMS:      a.DurationMS,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.NotificationAttempt {
	if m == nil {
		return nil
	}

	return &domain.NotificationAttempt{
		ID:              m.ID,
		NotificationID:  m.NotificationID,
		AttemptNumber:   m.AttemptNumber,
		Status:          m.Status,
		RequestPayload:  fromJSON(m.RequestPayload),
		ResponsePayload: fromJSON(m.ResponsePayload),
		ErrorMessage:    m.ErrorMessage,
		ErrorType:       m.ErrorType,
		ErrorCode:       m.ErrorCode,
		HTTPStatus:      m.HTTPStatus,
		DurationMS:      m.DurationMS,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:             b.ID,
		IdempotencyKey: b.IdempotencyKey,
		CorrelationID:  b.CorrelationID,
		TraceID:        b.TraceID,
		SpanID:         b.SpanID,
		Status:         b.Status,
		TotalCount:     b.TotalCount,
		Metadata:       toJSON(b.Metadata),
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		CorrelationID:  m.CorrelationID,
		TraceID:        m.TraceID,
		SpanID:         m.SpanID,
		Status:         m.Status,
		TotalCount:     m.TotalCount,
		Metadata:       fromJSON(m.Metadata),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deadLetterModelFromDomain(d *domain.DeadLetterNotification) *DeadLetterModel {
	if d == nil {
		return nil
	}

	return &DeadLetterModel{
		ID:             d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Recipient:      d.Recipient,
		Attempts:       d.Attempts,
		ErrorType:      d.ErrorType,
		ErrorCode:      d.ErrorCode,
		ErrorMessage:   d.ErrorMessage,
		Payload:        datatypes.NewJSONType(d.Payload),
		LastResponse:   toJSON(d.LastResponse),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func deadLetterModelToDomain(m *DeadLetterModel) *domain.DeadLetterNotification {
	if m == nil {
		return nil
	}

	return &domain.DeadLetterNotification{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		Channel:        m.Channel,
		Recipient:      m.Recipient,
		Attempts:       m.Attempts,
		ErrorType:      m.ErrorType,
		ErrorCode:      m.ErrorCode,
		ErrorMessage:   m.ErrorMessage,
		Payload:        m.Payload.Data(),
		LastResponse:   fromJSON(m.LastResponse),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
