package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

const (
	primaryFailuresKey  = "notifications:provider:primary:failures"
	primaryUnhealthyKey = "notifications:provider:primary:unhealthy"

	defaultHealthThreshold = 3
	defaultHealthWindow    = 60 * time.Second
	defaultHealthOpen      = 60 * time.Second
)

type HealthConfig struct {
	FailureThreshold int
	Window           time.Duration
	Open             time.Duration
}

// HealthTracker tracks primary endpoint health. It is independent of the
// per-channel circuit breaker.
type HealthTracker struct {
	store  kv.Store
	cfg    HealthConfig
	logger *zap.Logger
}

func NewHealthTracker(store kv.Store, cfg HealthConfig, logger *zap.Logger) (*HealthTracker, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultHealthThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultHealthWindow
	}
	if cfg.Open <= 0 {
		cfg.Open = defaultHealthOpen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthTracker{store: store, cfg: cfg, logger: logger}, nil
}

// PrimaryHealthy fails open when the store is unavailable.
func (h *HealthTracker) PrimaryHealthy(ctx context.Context) bool {
	unhealthy, err := h.store.Exists(ctx, primaryUnhealthyKey)
	if err != nil {
		h.logger.Warn("primary health unavailable, assuming healthy", zap.Error(err))
		return true
	}
	return !unhealthy
}

func (h *HealthTracker) RecordSuccess(ctx context.Context) {
	if err := h.store.Delete(ctx, primaryFailuresKey, primaryUnhealthyKey); err != nil {
		h.logger.Warn("failed to reset primary health", zap.Error(err))
	}
}

func (h *HealthTracker) RecordFailure(ctx context.Context) {
	tripped, err := h.store.TripOnThreshold(
		ctx,
		primaryFailuresKey,
		primaryUnhealthyKey,
		int64(h.cfg.FailureThreshold),
		h.cfg.Window,
		h.cfg.Open,
	)
	if err != nil {
		h.logger.Warn("failed to record primary failure", zap.Error(err))
		return
	}
	if tripped {
		h.logger.Warn("primary provider marked unhealthy", zap.Duration("for", h.cfg.Open))
	}
}
