package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

var (
	// ErrConnection marks failures to reach the provider at all.
	ErrConnection = errors.New("provider connection error")
	// ErrRequest marks requests that could not be made or completed for other reasons.
	ErrRequest = errors.New("provider request error")
)

// ProviderError is returned for every failed send. StatusCode is zero when no
// HTTP response was received.
type ProviderError struct {
	StatusCode int
	Message    string
	Body       string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Classify maps a send error to an error type and a short code. HTTP status wins
// over the transport cause.
func Classify(err error) (domain.ErrorType, string) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		status := providerErr.StatusCode
		code := fmt.Sprintf("http_%d", status)
		switch {
		case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status == http.StatusTooManyRequests:
			return domain.ErrorTypeTransient, code
		case status >= http.StatusInternalServerError:
			return domain.ErrorTypeTransient, code
		case status >= http.StatusBadRequest:
			return domain.ErrorTypePermanent, code
		}
	}

	switch {
	case errors.Is(err, ErrConnection):
		return domain.ErrorTypeTransient, "connection_error"
	case errors.Is(err, ErrRequest):
		return domain.ErrorTypeTransient, "request_exception"
	}

	return domain.ErrorTypeUnknown, "unknown"
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}

func transportError(err error) *ProviderError {
	kind := ErrRequest
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = ErrRequest
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		kind = ErrConnection
	}

	return &ProviderError{
		Message: "provider request failed",
		Cause:   fmt.Errorf("%w: %w", kind, err),
	}
}
