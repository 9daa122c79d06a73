package domain

import (
	"encoding/json"
	"time"
)

// AttemptStatus is the state of a single provider invocation.
type AttemptStatus string

const (
	AttemptStatusSending AttemptStatus = "sending"
	AttemptStatusSent    AttemptStatus = "sent"
	AttemptStatusFailed  AttemptStatus = "failed"
)

func (s AttemptStatus) String() string { return string(s) }

// NotificationAttempt records a single delivery attempt for a notification.
type NotificationAttempt struct {
	ID              string
	NotificationID  string
	AttemptNumber   int
	Status          AttemptStatus
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
	ErrorMessage    *string
	ErrorType       *ErrorType
	ErrorCode       *string
	HTTPStatus      *int
	DurationMS      *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MarkSent finalizes the attempt as delivered.
func (a *NotificationAttempt) MarkSent(response json.RawMessage, duration time.Duration) {
	ms := int(duration.Milliseconds())
	a.Status = AttemptStatusSent
	a.ResponsePayload = response
	a.DurationMS = &ms
}

// MarkFailed finalizes the attempt with the classified error.
func (a *NotificationAttempt) MarkFailed(message string, errorType ErrorType, code string, httpStatus int, duration time.Duration) {
	ms := int(duration.Milliseconds())
	a.Status = AttemptStatusFailed
	a.ErrorMessage = &message
	a.ErrorType = &errorType
	a.ErrorCode = &code
	a.DurationMS = &ms
	if httpStatus > 0 {
		a.HTTPStatus = &httpStatus
	}
}
