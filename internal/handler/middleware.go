package handler

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderTraceparent   = "traceparent"
	HeaderAPIKey        = "X-Api-Key"

	localCorrelationID = "correlationId"
	localTraceID       = "traceId"
	localSpanID        = "spanId"
)

var traceparentPattern = regexp.MustCompile(`^([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})$`)

// CorrelationMiddleware echoes X-Correlation-Id, generating one when the
// client did not send a usable value, and stores it on the user context.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		correlationID := strings.TrimSpace(c.Get(HeaderCorrelationID))
		if correlationID == "" || len(correlationID) > domain.MaxCorrelationLength {
			correlationID = uuid.NewString()
		}

		c.Locals(localCorrelationID, correlationID)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), correlationID))
		c.Set(HeaderCorrelationID, correlationID)

		return c.Next()
	}
}

// TraceMiddleware accepts a W3C traceparent header or starts a new trace.
// The resolved header is echoed on the response.
func TraceMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID, spanID, ok := parseTraceparent(c.Get(HeaderTraceparent))
		if !ok {
			traceID = newHexID(32)
			spanID = newHexID(16)
		}

		c.Locals(localTraceID, traceID)
		c.Locals(localSpanID, spanID)
		c.SetUserContext(observability.WithRemoteTrace(c.UserContext(), traceID, spanID))
		c.Set(HeaderTraceparent, "00-"+traceID+"-"+spanID+"-01")

		return c.Next()
	}
}

// ClientRateLimit caps requests per API key, or per client IP when no key is
// sent. Store failures let the request through.
func ClientRateLimit(limiter ratelimit.Limiter, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if limiter == nil {
			return c.Next()
		}

		clientID := strings.TrimSpace(c.Get(HeaderAPIKey))
		if clientID == "" {
			clientID = c.IP()
		}

		allowed, err := limiter.Allow(c.UserContext(), clientID)
		if err != nil {
			observability.WithContextLogger(logger, c.UserContext()).Warn("client rate limit unavailable, allowing request",
				zap.Error(err),
			)
			return c.Next()
		}
		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"message": "Too many requests.",
				"limit":   limiter.Limit(),
			})
		}

		return c.Next()
	}
}

func parseTraceparent(header string) (traceID string, spanID string, ok bool) {
	match := traceparentPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(header)))
	if match == nil || match[1] == "ff" {
		return "", "", false
	}
	if strings.Trim(match[2], "0") == "" || strings.Trim(match[3], "0") == "" {
		return "", "", false
	}
	return match[2], match[3], true
}

func newHexID(length int) string {
	id := uuid.New()
	encoded := hex.EncodeToString(id[:])
	return encoded[:length]
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value, ok := c.Locals(localCorrelationID).(string); ok {
		return value
	}
	return strings.TrimSpace(c.Get(HeaderCorrelationID))
}

func requestTrace(c *fiber.Ctx) (traceID string, spanID string) {
	traceID, _ = c.Locals(localTraceID).(string)
	spanID, _ = c.Locals(localSpanID).(string)
	return traceID, spanID
}
