package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type DeadLetterService interface {
	Get(ctx context.Context, id string) (*domain.DeadLetterNotification, error)
	List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterNotification, int64, error)
	RequeueSingle(ctx context.Context, id string, opts service.RequeueOptions) (*domain.Notification, error)
	RequeueBatch(ctx context.Context, params service.RequeueBatchParams) (*service.RequeueResult, error)
}

type DeadLetterHandler struct {
	service DeadLetterService
}

func RegisterDeadLetterRoutes(router fiber.Router, service DeadLetterService) error {
	if service == nil {
		return fmt.Errorf("dead letter service is required")
	}
	h := &DeadLetterHandler{service: service}

	v1 := router.Group("/v1")
	v1.Get("/dead-letter", h.List)
	// Registered before /:id so "requeue" is not read as an id.
	v1.Post("/dead-letter/requeue", h.RequeueBatch)
	v1.Get("/dead-letter/:id", h.Get)
	v1.Post("/dead-letter/:id/requeue", h.RequeueSingle)

	return nil
}

type deadLetterResponse struct {
	ID             string               `json:"id"`
	NotificationID *string              `json:"notification_id"`
	Channel        string               `json:"channel"`
	Recipient      string               `json:"recipient"`
	Attempts       int                  `json:"attempts"`
	ErrorType      *domain.ErrorType    `json:"error_type"`
	ErrorCode      *string              `json:"error_code"`
	ErrorMessage   *string              `json:"error_message"`
	Payload        domain.ReplayPayload `json:"payload"`
	LastResponse   json.RawMessage      `json:"last_response"`
	CreatedAt      time.Time            `json:"created_at"`
}

type requeueSingleRequest struct {
	Priority     string `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

type requeueBatchRequest struct {
	Limit        int    `json:"limit"`
	Channel      string `json:"channel"`
	Priority     string `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (h *DeadLetterHandler) List(c *fiber.Ctx) error {
	params := repository.DeadLetterListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("per_page", defaultPageSize),
	}
	if params.Page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: per_page must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}
	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return toHTTPError(err)
		}
		name := channel.String()
		params.Channel = &name
	}

	items, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(items))
	for i := range items {
		data = append(data, toDeadLetterResponse(&items[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": data,
		"meta": listMeta{
			Page:    params.Page,
			PerPage: params.PageSize,
			Total:   total,
		},
	})
}

func (h *DeadLetterHandler) Get(c *fiber.Ctx) error {
	item, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeadLetterResponse(item))
}

func (h *DeadLetterHandler) RequeueSingle(c *fiber.Ctx) error {
	var req requeueSingleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "invalid request body")
		}
	}

	opts, err := requeueOptions(req.Priority, req.DelaySeconds)
	if err != nil {
		return toRequeueHTTPError(err)
	}

	n, err := h.service.RequeueSingle(c.UserContext(), c.Params("id"), opts)
	if err != nil {
		return toRequeueHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"notification_id": n.ID,
	})
}

func (h *DeadLetterHandler) RequeueBatch(c *fiber.Ctx) error {
	var req requeueBatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, "invalid request body")
		}
	}
	if req.Limit < 0 {
		return toRequeueHTTPError(fmt.Errorf("%w: limit must be positive", domain.ErrValidation))
	}
	if channel := strings.TrimSpace(req.Channel); channel != "" {
		if _, err := domain.ParseChannelFromString(channel); err != nil {
			return toRequeueHTTPError(err)
		}
	}

	opts, err := requeueOptions(req.Priority, req.DelaySeconds)
	if err != nil {
		return toRequeueHTTPError(err)
	}

	result, err := h.service.RequeueBatch(c.UserContext(), service.RequeueBatchParams{
		Limit:          req.Limit,
		Channel:        strings.ToLower(strings.TrimSpace(req.Channel)),
		RequeueOptions: opts,
	})
	if err != nil {
		return toRequeueHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"requested": result.Requested,
		"requeued":  result.Requeued,
		"skipped":   result.Skipped,
	})
}

func requeueOptions(rawPriority string, delaySeconds int) (service.RequeueOptions, error) {
	priority, err := domain.ParsePriorityFromString(rawPriority)
	if err != nil {
		return service.RequeueOptions{}, err
	}
	if delaySeconds < 0 {
		return service.RequeueOptions{}, fmt.Errorf("%w: delay_seconds must be >= 0", domain.ErrValidation)
	}
	return service.RequeueOptions{
		Priority: priority,
		Delay:    time.Duration(delaySeconds) * time.Second,
	}, nil
}

func toDeadLetterResponse(d *domain.DeadLetterNotification) deadLetterResponse {
	return deadLetterResponse{
		ID:             d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Recipient:      d.Recipient,
		Attempts:       d.Attempts,
		ErrorType:      d.ErrorType,
		ErrorCode:      d.ErrorCode,
		ErrorMessage:   d.ErrorMessage,
		Payload:        d.Payload,
		LastResponse:   d.LastResponse,
		CreatedAt:      d.CreatedAt,
	}
}
