package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusProcessing, StatusRetrying,
		StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition may happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelSMS, ChannelEmail, ChannelPush}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority represents the message priority level.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriorityFromString parses a priority; blank input means normal.
func ParsePriorityFromString(s string) (Priority, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return PriorityNormal, nil
	}
	pr := Priority(strings.ToLower(trimmed))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// ErrorType is the classified failure kind stored on notifications and attempts.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "transient"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
	ErrorTypeExpired   ErrorType = "expired"
)

func (t ErrorType) String() string { return string(t) }

const (
	ErrorCodeExpired        = "expired"
	ExpiredErrorMessage     = "Notification expired before delivery."
	ErrorCodeAbandoned      = "abandoned"
	AbandonedAttemptMessage = "attempt abandoned: processing lease expired"
	DefaultMaxAttempts      = 5
	MaxRecipientLength      = 255
	MaxCorrelationLength    = 128
	MaxIdempotencyLength    = 128
)

// Default content limits per channel (in characters).
const (
	MaxSMSContent   = 160
	MaxPushContent  = 240
	MaxEmailContent = 2000
)

// ContentLimits maps a channel to its maximum content length in characters.
type ContentLimits map[Channel]int

func DefaultContentLimits() ContentLimits {
	return ContentLimits{
		ChannelSMS:   MaxSMSContent,
		ChannelEmail: MaxEmailContent,
		ChannelPush:  MaxPushContent,
	}
}

// Check validates content length for a channel. Channels without a limit pass.
func (l ContentLimits) Check(channel Channel, content string) error {
	limit, ok := l[channel]
	if !ok || limit <= 0 {
		return nil
	}
	if n := len([]rune(content)); n > limit {
		return fmt.Errorf("%w: content exceeds %d characters for %s (got %d)", ErrValidation, limit, channel, n)
	}
	return nil
}

// Notification is one delivery intent.
type Notification struct {
	ID                  string
	BatchID             *string
	Channel             Channel
	Priority            Priority
	Recipient           string
	Content             string
	Status              Status
	IdempotencyKey      *string
	CorrelationID       string
	TraceID             *string
	SpanID              *string
	Attempts            int
	MaxAttempts         int
	ScheduledAt         *time.Time
	ProcessingStartedAt *time.Time
	LastRetryAt         *time.Time
	NextRetryAt         *time.Time
	SentAt              *time.Time
	CancelledAt         *time.Time
	ProviderMessageID   *string
	ProviderResponse    json.RawMessage
	LastError           *string
	ErrorType           *ErrorType
	ErrorCode           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (n *Notification) Validate(limits ContentLimits) error {
	if strings.TrimSpace(n.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if len(n.Recipient) > MaxRecipientLength {
		return fmt.Errorf("%w: recipient exceeds %d characters", ErrValidation, MaxRecipientLength)
	}
	if n.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if !n.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, n.Priority)
	}
	if n.IdempotencyKey != nil && len(*n.IdempotencyKey) > MaxIdempotencyLength {
		return fmt.Errorf("%w: idempotency key exceeds %d characters", ErrValidation, MaxIdempotencyLength)
	}
	if len(n.CorrelationID) > MaxCorrelationLength {
		return fmt.Errorf("%w: correlation id exceeds %d characters", ErrValidation, MaxCorrelationLength)
	}

	return limits.Check(n.Channel, n.Content)
}

// IdempotencyHint is the key passed to the provider: the idempotency key, or the id when absent.
func (n *Notification) IdempotencyHint() string {
	if n.IdempotencyKey != nil && *n.IdempotencyKey != "" {
		return *n.IdempotencyKey
	}
	return n.ID
}

// ClearDeliveryError resets error and retry bookkeeping after a successful send.
func (n *Notification) ClearDeliveryError() {
	n.LastError = nil
	n.ErrorType = nil
	n.ErrorCode = nil
	n.LastRetryAt = nil
	n.NextRetryAt = nil
}

// SetDeliveryError records the classified error of the latest attempt.
func (n *Notification) SetDeliveryError(message string, errorType ErrorType, code string) {
	n.LastError = &message
	n.ErrorType = &errorType
	n.ErrorCode = &code
}
