package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kursadbilgin/delivery-engine/internal/app"
	"github.com/kursadbilgin/delivery-engine/internal/cli"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(loadServices)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func loadServices(ctx context.Context) (*cli.Services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.ServiceName+"-ctl")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	infra, err := app.Open(ctx, cfg, false)
	if err != nil {
		return nil, nil, err
	}

	components, err := app.Build(cfg, app.Deps{
		DB:        infra.DB,
		Redis:     infra.Redis,
		Broker:    infra.Broker,
		Publisher: infra.Publisher,
	}, nil, logger)
	if err != nil {
		infra.Close(logger)
		return nil, nil, err
	}

	release := func() {
		infra.Close(logger)
		_ = logger.Sync()
	}

	return &cli.Services{
		DeadLetters: components.DeadLetterService,
		Pause:       components.Pause,
		Scheduler:   components.Scheduler,
		Settings:    components.SettingsService,
	}, release, nil
}
