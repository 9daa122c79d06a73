package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultWebhookTimeout    = 5 * time.Second
	defaultConnectTimeout    = 3 * time.Second
	defaultIdempotencyHeader = "X-Idempotency-Key"
	correlationHeader        = "X-Correlation-Id"
	traceparentHeader        = "traceparent"
)

type WebhookConfig struct {
	Timeout           time.Duration
	ConnectTimeout    time.Duration
	IdempotencyHeader string
}

var _ Provider = (*WebhookClient)(nil)

// WebhookClient posts notifications to the primary webhook endpoint and falls
// back to the secondary endpoint once when the primary fails.
type WebhookClient struct {
	client            *resty.Client
	endpoints         EndpointSource
	health            *HealthTracker
	idempotencyHeader string
	logger            *zap.Logger
}

func NewWebhookClient(endpoints EndpointSource, health *HealthTracker, cfg WebhookConfig, logger *zap.Logger) (*WebhookClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext

	client := resty.New()
	client.SetTransport(transport)
	client.SetTimeout(cfg.Timeout)

	return NewWebhookClientWithClient(endpoints, health, client, cfg.IdempotencyHeader, logger)
}

func NewWebhookClientWithClient(
	endpoints EndpointSource,
	health *HealthTracker,
	client *resty.Client,
	idempotencyHeader string,
	logger *zap.Logger,
) (*WebhookClient, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint source is required")
	}
	if health == nil {
		return nil, fmt.Errorf("health tracker is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if strings.TrimSpace(idempotencyHeader) == "" {
		idempotencyHeader = defaultIdempotencyHeader
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookClient{
		client:            client,
		endpoints:         endpoints,
		health:            health,
		idempotencyHeader: idempotencyHeader,
		logger:            logger,
	}, nil
}

func (p *WebhookClient) Send(ctx context.Context, req Request) (*Response, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoints := p.endpoints.Endpoints(ctx)
	if endpoints.Primary == "" {
		return nil, &ProviderError{
			Message: "provider webhook url is not configured",
			Cause:   ErrRequest,
		}
	}
	if _, err := url.ParseRequestURI(endpoints.Primary); err != nil {
		return nil, &ProviderError{
			Message: "invalid provider webhook url",
			Cause:   fmt.Errorf("%w: %w", ErrRequest, err),
		}
	}

	headers := p.headers(req)

	var (
		resp    *Response
		sendErr error
	)

	if endpoints.Fallback != "" && !p.health.PrimaryHealthy(ctx) {
		p.logger.Debug("primary provider unhealthy, using fallback")
	} else {
		resp, sendErr = p.post(ctx, endpoints.Primary, req, headers)
		if sendErr == nil {
			p.health.RecordSuccess(ctx)
			return resp, nil
		}

		p.health.RecordFailure(ctx)
		if endpoints.Fallback == "" {
			return nil, sendErr
		}
		p.logger.Warn("primary provider failed, retrying on fallback",
			zap.Int("status", StatusCode(sendErr)),
			zap.Error(sendErr),
		)
	}

	resp, sendErr = p.post(ctx, endpoints.Fallback, req, headers)
	if sendErr != nil {
		return nil, sendErr
	}
	resp.Fallback = true
	return resp, nil
}

func (p *WebhookClient) headers(req Request) map[string]string {
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		correlationHeader:   correlationID,
		p.idempotencyHeader: req.IdempotencyKey,
	}
	if req.Traceparent != "" {
		headers[traceparentHeader] = req.Traceparent
	}
	return headers
}

func (p *WebhookClient) post(ctx context.Context, endpoint string, req Request, headers map[string]string) (*Response, error) {
	response, err := p.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		Post(endpoint)
	if err != nil {
		return nil, transportError(err)
	}
	if response == nil {
		return nil, &ProviderError{
			Message: "provider returned empty response",
			Cause:   ErrRequest,
		}
	}

	statusCode := response.StatusCode()
	body := jsonBody(response.Body())

	p.logger.Info("provider response",
		zap.String("endpoint", endpoint),
		zap.Int("status", statusCode),
	)

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Response{
			StatusCode: statusCode,
			Body:       body,
			MessageID:  messageID(body),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("provider request failed with status %d", statusCode),
		Body:       strings.TrimSpace(string(response.Body())),
	}
}

func jsonBody(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}

func messageID(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}

	var decoded struct {
		MessageID json.RawMessage `json:"messageId"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || len(decoded.MessageID) == 0 {
		return ""
	}

	var id string
	if err := json.Unmarshal(decoded.MessageID, &id); err == nil {
		return strings.TrimSpace(id)
	}
	if raw := string(decoded.MessageID); raw != "null" {
		return raw
	}
	return ""
}
