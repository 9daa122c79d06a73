package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 25
	maxPageSize     = 100
)

type NotificationService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	ListAttempts(ctx context.Context, id string) ([]domain.NotificationAttempt, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, []domain.Notification, error)
	Cancel(ctx context.Context, id string) (*domain.Notification, error)
	CancelBatch(ctx context.Context, id string) (int64, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.Submit)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Post("/notifications/:id/cancel", h.CancelNotification)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Post("/batches/:id/cancel", h.CancelBatch)

	return nil
}

type submitRequest struct {
	Batch         *submitBatchRequest `json:"batch"`
	Notifications []submitItemRequest `json:"notifications"`
}

type submitBatchRequest struct {
	IdempotencyKey *string        `json:"idempotency_key"`
	CorrelationID  *string        `json:"correlation_id"`
	Metadata       map[string]any `json:"metadata"`
}

type submitItemRequest struct {
	Recipient      string  `json:"recipient"`
	Channel        string  `json:"channel"`
	Priority       string  `json:"priority"`
	Content        string  `json:"content"`
	IdempotencyKey *string `json:"idempotency_key"`
	CorrelationID  *string `json:"correlation_id"`
	ScheduledAt    *string `json:"scheduled_at"`
}

type submitResponse struct {
	BatchID       *string                `json:"batch_id"`
	TraceID       string                 `json:"trace_id"`
	SpanID        string                 `json:"span_id"`
	Metadata      json.RawMessage        `json:"metadata"`
	Created       int                    `json:"created"`
	Duplicates    int                    `json:"duplicates"`
	Notifications []notificationResponse `json:"notifications"`
}

type notificationResponse struct {
	ID                string            `json:"id"`
	BatchID           *string           `json:"batch_id"`
	Channel           string            `json:"channel"`
	Priority          string            `json:"priority"`
	Recipient         string            `json:"recipient"`
	Content           string            `json:"content"`
	Status            string            `json:"status"`
	IdempotencyKey    *string           `json:"idempotency_key"`
	CorrelationID     string            `json:"correlation_id"`
	TraceID           *string           `json:"trace_id"`
	SpanID            *string           `json:"span_id"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	ScheduledAt       *time.Time        `json:"scheduled_at"`
	NextRetryAt       *time.Time        `json:"next_retry_at"`
	SentAt            *time.Time        `json:"sent_at"`
	CancelledAt       *time.Time        `json:"cancelled_at"`
	ProviderMessageID *string           `json:"provider_message_id"`
	LastError         *string           `json:"last_error"`
	ErrorType         *domain.ErrorType `json:"error_type"`
	ErrorCode         *string           `json:"error_code"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type attemptResponse struct {
	ID              string            `json:"id"`
	AttemptNumber   int               `json:"attempt_number"`
	Status          string            `json:"status"`
	RequestPayload  json.RawMessage   `json:"request_payload"`
	ResponsePayload json.RawMessage   `json:"response_payload"`
	ErrorMessage    *string           `json:"error_message"`
	ErrorType       *domain.ErrorType `json:"error_type"`
	ErrorCode       *string           `json:"error_code"`
	HTTPStatus      *int              `json:"http_status"`
	DurationMS      *int              `json:"duration_ms"`
	CreatedAt       time.Time         `json:"created_at"`
}

type batchResponse struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	TotalCount     int                    `json:"total_count"`
	IdempotencyKey *string                `json:"idempotency_key"`
	CorrelationID  *string                `json:"correlation_id"`
	Metadata       json.RawMessage        `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Notifications  []notificationResponse `json:"notifications"`
}

type listMeta struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

func (h *NotificationHandler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	traceID, spanID := requestTrace(c)
	submit := service.SubmitRequest{
		Notifications: make([]service.SubmitItem, 0, len(req.Notifications)),
		CorrelationID: requestCorrelationID(c),
		TraceID:       traceID,
		SpanID:        spanID,
	}
	if req.Batch != nil {
		submit.Batch = &service.SubmitBatch{
			IdempotencyKey: req.Batch.IdempotencyKey,
			CorrelationID:  req.Batch.CorrelationID,
			Metadata:       req.Batch.Metadata,
		}
	}

	for i, item := range req.Notifications {
		scheduledAt, err := parseRFC3339(item.ScheduledAt, fmt.Sprintf("notifications[%d].scheduled_at", i))
		if err != nil {
			return toHTTPError(err)
		}
		submit.Notifications = append(submit.Notifications, service.SubmitItem{
			Recipient:      item.Recipient,
			Channel:        item.Channel,
			Priority:       item.Priority,
			Content:        item.Content,
			IdempotencyKey: item.IdempotencyKey,
			CorrelationID:  item.CorrelationID,
			ScheduledAt:    scheduledAt,
		})
	}

	result, err := h.service.Submit(c.UserContext(), submit)
	if err != nil {
		var conflict *service.BatchConflictError
		if errors.As(err, &conflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"message":    "Batch idempotency key already used.",
				"batch_id":   conflict.BatchID,
				"duplicates": conflict.Duplicates,
			})
		}
		return toHTTPError(err)
	}

	resp := submitResponse{
		TraceID:       traceID,
		SpanID:        spanID,
		Created:       result.Created,
		Duplicates:    result.Duplicates,
		Notifications: toNotificationResponses(result.Notifications),
	}
	if result.Batch != nil {
		resp.BatchID = &result.Batch.ID
		resp.Metadata = result.Batch.Metadata
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	notification, err := h.service.GetByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	attempts, err := h.service.ListAttempts(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			ID:              a.ID,
			AttemptNumber:   a.AttemptNumber,
			Status:          a.Status.String(),
			RequestPayload:  a.RequestPayload,
			ResponsePayload: a.ResponsePayload,
			ErrorMessage:    a.ErrorMessage,
			ErrorType:       a.ErrorType,
			ErrorCode:       a.ErrorCode,
			HTTPStatus:      a.HTTPStatus,
			DurationMS:      a.DurationMS,
			CreatedAt:       a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	notification, err := h.service.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		var conflict *service.CancelConflictError
		if errors.As(err, &conflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"message": "Notification can no longer be cancelled.",
				"status":  conflict.Status.String(),
			})
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:    params.Page,
			PerPage: params.PageSize,
			Total:   total,
		},
	})
}

func (h *NotificationHandler) GetBatch(c *fiber.Ctx) error {
	batch, members, err := h.service.GetBatch(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(batchResponse{
		ID:             batch.ID,
		Status:         batch.Status.String(),
		TotalCount:     batch.TotalCount,
		IdempotencyKey: batch.IdempotencyKey,
		CorrelationID:  batch.CorrelationID,
		Metadata:       batch.Metadata,
		CreatedAt:      batch.CreatedAt,
		UpdatedAt:      batch.UpdatedAt,
		Notifications:  toNotificationResponses(members),
	})
}

func (h *NotificationHandler) CancelBatch(c *fiber.Ctx) error {
	id := c.Params("id")
	cancelled, err := h.service.CancelBatch(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batch_id":        id,
		"cancelled_count": cancelled,
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("per_page", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: per_page must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	if rawPriority := strings.TrimSpace(c.Query("priority")); rawPriority != "" {
		priority, err := domain.ParsePriorityFromString(rawPriority)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Priority = &priority
	}

	if batchID := strings.TrimSpace(c.Query("batch_id")); batchID != "" {
		params.BatchID = &batchID
	}

	from := c.Query("from")
	to := c.Query("to")
	fromTime, err := parseRFC3339(&from, "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	toTime, err := parseRFC3339(&to, "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = fromTime
	params.To = toTime

	return params, nil
}

func parseRFC3339(value *string, field string) (*time.Time, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toNotificationResponse(&notifications[i]))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:                n.ID,
		BatchID:           n.BatchID,
		Channel:           n.Channel.String(),
		Priority:          n.Priority.String(),
		Recipient:         n.Recipient,
		Content:           n.Content,
		Status:            n.Status.String(),
		IdempotencyKey:    n.IdempotencyKey,
		CorrelationID:     n.CorrelationID,
		TraceID:           n.TraceID,
		SpanID:            n.SpanID,
		Attempts:          n.Attempts,
		MaxAttempts:       n.MaxAttempts,
		ScheduledAt:       n.ScheduledAt,
		NextRetryAt:       n.NextRetryAt,
		SentAt:            n.SentAt,
		CancelledAt:       n.CancelledAt,
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		ErrorType:         n.ErrorType,
		ErrorCode:         n.ErrorCode,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}
