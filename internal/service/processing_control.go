package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

// PauseKey holds the global processing pause flag.
const PauseKey = "notifications:processing:paused"

// ProcessingControl is the operator pause switch shared by every worker.
type ProcessingControl struct {
	store  kv.Store
	logger *zap.Logger
}

func NewProcessingControl(store kv.Store, logger *zap.Logger) (*ProcessingControl, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessingControl{store: store, logger: logger}, nil
}

func (p *ProcessingControl) Pause(ctx context.Context) error {
	if err := p.store.Set(ctx, PauseKey, "1", 0); err != nil {
		return fmt.Errorf("failed to pause processing: %w", err)
	}
	p.logger.Info("processing paused")
	return nil
}

func (p *ProcessingControl) Resume(ctx context.Context) error {
	if err := p.store.Delete(ctx, PauseKey); err != nil {
		return fmt.Errorf("failed to resume processing: %w", err)
	}
	p.logger.Info("processing resumed")
	return nil
}

func (p *ProcessingControl) IsPaused(ctx context.Context) (bool, error) {
	return p.store.Exists(ctx, PauseKey)
}

// Paused reports the pause flag. An unreadable flag counts as not paused.
func (p *ProcessingControl) Paused(ctx context.Context) bool {
	paused, err := p.IsPaused(ctx)
	if err != nil {
		p.logger.Warn("pause flag unavailable, continuing processing", zap.Error(err))
		return false
	}
	return paused
}
