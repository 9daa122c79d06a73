package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}

// toRequeueHTTPError reports validation failures as 422.
func toRequeueHTTPError(err error) error {
	if errors.Is(err, domain.ErrValidation) {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return toHTTPError(err)
}
