// Package app wires the delivery engine components shared by the api, worker
// and dispatchctl processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/breaker"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/retry"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

const (
	settingsCacheTTL = time.Minute
	channelWindow    = time.Second
	clientWindow     = time.Minute
)

// Infra holds the external connections.
type Infra struct {
	DB        *gorm.DB
	SQL       *sql.DB
	Redis     *goredis.Client
	Broker    *queue.RabbitMQ
	Publisher *queue.RabbitMQPublisher
}

// Open connects to Postgres, Redis and RabbitMQ. Migrations run when migrate
// is set.
func Open(ctx context.Context, cfg *config.Config, migrate bool) (*Infra, error) {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	if migrate {
		if err := migrations.Migrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.QueueNames())
	if err != nil {
		_ = rdb.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
	}

	return &Infra{
		DB:        db,
		SQL:       sqlDB,
		Redis:     rdb,
		Broker:    broker,
		Publisher: queue.NewRabbitMQPublisher(broker),
	}, nil
}

// Close releases every connection, logging failures.
func (i *Infra) Close(logger *zap.Logger) {
	if i == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := i.Publisher.Close(); err != nil {
		logger.Warn("failed to close publisher", zap.Error(err))
	}
	if err := i.Broker.Close(); err != nil {
		logger.Warn("failed to close rabbitmq", zap.Error(err))
	}
	if err := i.Redis.Close(); err != nil {
		logger.Warn("failed to close redis", zap.Error(err))
	}
	if err := i.SQL.Close(); err != nil {
		logger.Warn("failed to close postgres", zap.Error(err))
	}
}

// Deps are the connections Build needs. Broker may be nil when queue depths
// are not required.
type Deps struct {
	DB        *gorm.DB
	Redis     goredis.UniversalClient
	Broker    service.QueueInspector
	Publisher queue.Publisher
}

// Components is the service graph shared by every process.
type Components struct {
	Config *config.Config
	Queues queue.Names
	Store  *infraredis.Store

	Notifications repository.NotificationRepository
	Attempts      repository.AttemptRepository
	Batches       repository.BatchRepository
	DeadLetters   repository.DeadLetterRepository

	Pause    *service.ProcessingControl
	Breaker  *breaker.Breaker
	Batching *service.BatchAggregator
	Status   *service.StatusNotifier

	NotificationService *service.NotificationService
	DeadLetterService   *service.DeadLetterService
	SettingsService     *service.SettingsService
	SnapshotService     *service.SnapshotService
	Scheduler           *service.Scheduler
	LeaseSweeper        *service.LeaseSweeper
	ClientLimiter       *ratelimit.WindowLimiter

	publisher queue.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Build assembles the components on top of deps.
func Build(cfg *config.Config, deps Deps, metrics *observability.Metrics, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Redis == nil || deps.Publisher == nil {
		return nil, fmt.Errorf("redis client and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queues := cfg.QueueNames()
	if err := queues.Validate(); err != nil {
		return nil, err
	}

	store, err := infraredis.NewStore(deps.Redis)
	if err != nil {
		return nil, err
	}
	statusPublisher, err := infraredis.NewStatusPublisher(deps.Redis)
	if err != nil {
		return nil, err
	}
	settingsCache, err := infraredis.NewSettingsCache(deps.Redis, settingsCacheTTL)
	if err != nil {
		return nil, err
	}

	c := &Components{
		Config:        cfg,
		Queues:        queues,
		Store:         store,
		Notifications: repository.NewGormNotificationRepo(deps.DB),
		Attempts:      repository.NewGormAttemptRepo(deps.DB),
		Batches:       repository.NewGormBatchRepo(deps.DB),
		DeadLetters:   repository.NewGormDeadLetterRepo(deps.DB),
		publisher:     deps.Publisher,
		metrics:       metrics,
		logger:        logger,
	}

	if c.Pause, err = service.NewProcessingControl(store, logger); err != nil {
		return nil, err
	}
	c.Breaker, err = breaker.New(store, breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		Window:           time.Duration(cfg.CircuitWindowSeconds) * time.Second,
		OpenDuration:     time.Duration(cfg.CircuitOpenSeconds) * time.Second,
		ProbeInterval:    time.Duration(cfg.CircuitProbeSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	c.Batching, err = service.NewBatchAggregator(c.Notifications, c.Batches, store, deps.Publisher, queues.Batch, cfg.BatchDebounce(), logger)
	if err != nil {
		return nil, err
	}
	c.Status = service.NewStatusNotifier(statusPublisher, c.Batching, logger)

	c.NotificationService, err = service.NewNotificationService(
		c.Notifications, c.Batches, c.Attempts,
		deps.Publisher, queues, cfg.ContentLimits(), cfg.MaxAttempts,
		c.Status, logger,
	)
	if err != nil {
		return nil, err
	}
	c.NotificationService.SetMetrics(metrics)

	c.DeadLetterService, err = service.NewDeadLetterService(c.DeadLetters, c.Notifications, deps.Publisher, queues, logger)
	if err != nil {
		return nil, err
	}
	c.DeadLetterService.SetMetrics(metrics)

	c.SettingsService, err = service.NewSettingsService(
		repository.NewGormSettingRepo(deps.DB),
		settingsCache,
		provider.Endpoints{Primary: cfg.ProviderWebhookURL, Fallback: cfg.ProviderFallbackWebhookURL},
		logger,
	)
	if err != nil {
		return nil, err
	}

	c.SnapshotService, err = service.NewSnapshotService(c.Notifications, c.DeadLetters, deps.Broker, queues, c.Breaker, c.Pause, logger)
	if err != nil {
		return nil, err
	}

	c.Scheduler, err = service.NewScheduler(
		c.Notifications, deps.Publisher, queues, c.Pause, c.Status,
		cfg.SchedulerInterval(), cfg.SchedulerBatchLimit, logger,
	)
	if err != nil {
		return nil, err
	}
	c.Scheduler.SetMetrics(metrics)

	c.LeaseSweeper, err = service.NewLeaseSweeper(
		c.Notifications, deps.Publisher, queues, c.Pause,
		cfg.SweepInterval(), cfg.ProcessingTimeout(), cfg.SweepBatchLimit, logger,
	)
	if err != nil {
		return nil, err
	}

	c.ClientLimiter, err = ratelimit.NewWindowLimiter(store, ratelimit.ClientPrefix, cfg.ClientRateLimitPerMinute, clientWindow)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// NewWorkerService builds the delivery pipeline reading jobs from consumer.
func (c *Components) NewWorkerService(consumer queue.Consumer) (*service.WorkerService, error) {
	cfg := c.Config

	health, err := provider.NewHealthTracker(c.Store, provider.HealthConfig{
		FailureThreshold: cfg.ProviderHealthFailureThreshold,
		Window:           time.Duration(cfg.ProviderHealthWindowSeconds) * time.Second,
		Open:             time.Duration(cfg.ProviderHealthOpenSeconds) * time.Second,
	}, c.logger)
	if err != nil {
		return nil, err
	}

	client, err := provider.NewWebhookClient(c.SettingsService, health, provider.WebhookConfig{
		Timeout:           cfg.ProviderTimeout(),
		ConnectTimeout:    cfg.ProviderConnectTimeout(),
		IdempotencyHeader: cfg.ProviderIdempotencyHeader,
	}, c.logger)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewWindowLimiter(c.Store, ratelimit.ChannelPrefix, cfg.RateLimitPerSec, channelWindow)
	if err != nil {
		return nil, err
	}

	delivery, err := service.NewDeliveryWorker(service.DeliveryWorkerDeps{
		Notifications: c.Notifications,
		Attempts:      c.Attempts,
		Provider:      client,
		Breaker:       c.Breaker,
		Limiter:       limiter,
		Policy: retry.NewPolicy(
			time.Duration(cfg.RetryBaseDelaySeconds)*time.Second,
			time.Duration(cfg.RetryMaxDelaySeconds)*time.Second,
			cfg.RetryJitterPercent,
			c.Breaker.OpenDuration(),
		),
		Pause:     c.Pause,
		Publisher: c.publisher,
		Archiver:  c.DeadLetterService,
		Status:    c.Status,
		Metrics:   c.metrics,
	}, service.DeliveryConfig{
		ProcessingTimeout: cfg.ProcessingTimeout(),
		DeliveryTTL:       cfg.DeliveryTTL(),
		RateLimitWait:     cfg.RateLimitWait(),
		DeadQueue:         c.Queues.Dead,
	}, c.logger)
	if err != nil {
		return nil, err
	}

	worker, err := service.NewWorkerService(consumer, c.Queues, delivery, c.DeadLetterService, c.Batching, cfg.WorkerConcurrency, c.logger)
	if err != nil {
		return nil, err
	}
	worker.SetMetrics(c.metrics)
	return worker, nil
}
