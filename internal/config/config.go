package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	ProviderWebhookURL             string `env:"PROVIDER_WEBHOOK_URL,required=true"`
	ProviderFallbackWebhookURL     string `env:"PROVIDER_FALLBACK_WEBHOOK_URL"`
	ProviderTimeoutSeconds         int    `env:"PROVIDER_TIMEOUT_SECONDS,default=5"`
	ProviderConnectTimeoutSeconds  int    `env:"PROVIDER_CONNECT_TIMEOUT_SECONDS,default=3"`
	ProviderIdempotencyHeader      string `env:"PROVIDER_IDEMPOTENCY_HEADER,default=X-Idempotency-Key"`
	ProviderHealthFailureThreshold int    `env:"PROVIDER_HEALTH_FAILURE_THRESHOLD,default=3"`
	ProviderHealthWindowSeconds    int    `env:"PROVIDER_HEALTH_WINDOW_SECONDS,default=60"`
	ProviderHealthOpenSeconds      int    `env:"PROVIDER_HEALTH_OPEN_SECONDS,default=60"`

	RateLimitPerSec          int `env:"RATE_LIMIT_PER_SEC,default=100"`
	RateLimitWaitMS          int `env:"RATE_LIMIT_WAIT_MS,default=3000"`
	ClientRateLimitPerMinute int `env:"CLIENT_RATE_LIMIT_PER_MINUTE,default=600"`

	RetryBaseDelaySeconds    int `env:"RETRY_BASE_DELAY_SECONDS,default=2"`
	RetryMaxDelaySeconds     int `env:"RETRY_MAX_DELAY_SECONDS,default=300"`
	RetryJitterPercent       int `env:"RETRY_JITTER_PERCENT,default=20"`
	ProcessingTimeoutSeconds int `env:"PROCESSING_TIMEOUT_SECONDS,default=300"`
	DeliveryTTLHours         int `env:"DELIVERY_TTL_HOURS,default=24"`

	CircuitFailureThreshold int `env:"CIRCUIT_FAILURE_THRESHOLD,default=5"`
	CircuitWindowSeconds    int `env:"CIRCUIT_WINDOW_SECONDS,default=60"`
	CircuitOpenSeconds      int `env:"CIRCUIT_OPEN_SECONDS,default=30"`
	CircuitProbeSeconds     int `env:"CIRCUIT_PROBE_SECONDS,default=5"`

	QueueHigh   string `env:"QUEUE_HIGH,default=notifications-high"`
	QueueNormal string `env:"QUEUE_NORMAL,default=notifications-normal"`
	QueueLow    string `env:"QUEUE_LOW,default=notifications-low"`
	QueueDead   string `env:"QUEUE_DEAD,default=notifications-dead"`
	QueueBatch  string `env:"QUEUE_BATCH,default=notifications-batches"`

	SMSCharLimit   int `env:"SMS_CHAR_LIMIT,default=160"`
	EmailCharLimit int `env:"EMAIL_CHAR_LIMIT,default=2000"`
	PushCharLimit  int `env:"PUSH_CHAR_LIMIT,default=240"`
	MaxAttempts    int `env:"MAX_ATTEMPTS,default=5"`

	BatchDebounceSeconds     int `env:"BATCH_DEBOUNCE_SECONDS,default=5"`
	SchedulerIntervalSeconds int `env:"SCHEDULER_INTERVAL_SECONDS,default=10"`
	SchedulerBatchLimit      int `env:"SCHEDULER_BATCH_LIMIT,default=500"`
	SweepIntervalSeconds     int `env:"SWEEP_INTERVAL_SECONDS,default=30"`
	SweepBatchLimit          int `env:"SWEEP_BATCH_LIMIT,default=100"`

	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`
	WorkerPrefetch    int    `env:"WORKER_PREFETCH,default=4"`
	APIPort           int    `env:"API_PORT,default=8080"`
	MetricsPort       int    `env:"METRICS_PORT,default=9090"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint      string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string `env:"SERVICE_NAME,default=delivery-engine"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.RetryJitterPercent < 0 || c.RetryJitterPercent > 100 {
		return fmt.Errorf("invalid config: RETRY_JITTER_PERCENT must be between 0 and 100, got %d", c.RetryJitterPercent)
	}

	positive := map[string]int{
		"RATE_LIMIT_PER_SEC":                c.RateLimitPerSec,
		"CLIENT_RATE_LIMIT_PER_MINUTE":      c.ClientRateLimitPerMinute,
		"RETRY_BASE_DELAY_SECONDS":          c.RetryBaseDelaySeconds,
		"RETRY_MAX_DELAY_SECONDS":           c.RetryMaxDelaySeconds,
		"PROCESSING_TIMEOUT_SECONDS":        c.ProcessingTimeoutSeconds,
		"DELIVERY_TTL_HOURS":                c.DeliveryTTLHours,
		"CIRCUIT_FAILURE_THRESHOLD":         c.CircuitFailureThreshold,
		"CIRCUIT_WINDOW_SECONDS":            c.CircuitWindowSeconds,
		"CIRCUIT_OPEN_SECONDS":              c.CircuitOpenSeconds,
		"PROVIDER_HEALTH_FAILURE_THRESHOLD": c.ProviderHealthFailureThreshold,
		"MAX_ATTEMPTS":                      c.MaxAttempts,
		"WORKER_CONCURRENCY":                c.WorkerConcurrency,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", name, value)
		}
	}

	if c.RetryMaxDelaySeconds < c.RetryBaseDelaySeconds {
		return fmt.Errorf("invalid config: RETRY_MAX_DELAY_SECONDS (%d) is below RETRY_BASE_DELAY_SECONDS (%d)",
			c.RetryMaxDelaySeconds, c.RetryBaseDelaySeconds)
	}

	return nil
}

func (c *Config) ContentLimits() domain.ContentLimits {
	return domain.ContentLimits{
		domain.ChannelSMS:   c.SMSCharLimit,
		domain.ChannelEmail: c.EmailCharLimit,
		domain.ChannelPush:  c.PushCharLimit,
	}
}

func (c *Config) QueueNames() queue.Names {
	return queue.Names{
		High:   c.QueueHigh,
		Normal: c.QueueNormal,
		Low:    c.QueueLow,
		Dead:   c.QueueDead,
		Batch:  c.QueueBatch,
	}
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) ProviderConnectTimeout() time.Duration {
	return time.Duration(c.ProviderConnectTimeoutSeconds) * time.Second
}

func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutSeconds) * time.Second
}

func (c *Config) DeliveryTTL() time.Duration {
	return time.Duration(c.DeliveryTTLHours) * time.Hour
}

func (c *Config) RateLimitWait() time.Duration {
	return time.Duration(c.RateLimitWaitMS) * time.Millisecond
}

func (c *Config) BatchDebounce() time.Duration {
	return time.Duration(c.BatchDebounceSeconds) * time.Second
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
