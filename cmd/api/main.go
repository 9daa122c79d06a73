package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/app"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName+"-api")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName+"-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	infra, err := app.Open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer infra.Close(logger)

	metrics := observability.NewMetrics()
	components, err := app.Build(cfg, app.Deps{
		DB:        infra.DB,
		Redis:     infra.Redis,
		Broker:    infra.Broker,
		Publisher: infra.Publisher,
	}, metrics, logger)
	if err != nil {
		return err
	}

	server := fiber.New(fiber.Config{
		AppName:      cfg.ServiceName,
		ErrorHandler: transport.ErrorHandler(logger),
	})
	server.Use(recover.New())
	server.Use(metrics.HTTPMiddleware())
	server.Use(handler.CorrelationMiddleware(), handler.TraceMiddleware())

	server.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(server, infra.SQL, infra.Redis, infra.Broker)

	server.Use("/v1", handler.ClientRateLimit(components.ClientLimiter, logger))
	if err := handler.RegisterNotificationRoutes(server, components.NotificationService); err != nil {
		return err
	}
	if err := handler.RegisterDeadLetterRoutes(server, components.DeadLetterService); err != nil {
		return err
	}
	if err := handler.RegisterMetricsSnapshotRoute(server, components.SnapshotService); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("delivery-engine api started", zap.Int("port", cfg.APIPort))
		listenErr <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case err := <-listenErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down api")
	return server.ShutdownWithTimeout(shutdownTimeout)
}
