package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/kv"
)

const (
	defaultFailureThreshold = 5
	defaultWindow           = 60 * time.Second
	defaultOpenDuration     = 30 * time.Second
	defaultProbeInterval    = 5 * time.Second
)

type Config struct {
	FailureThreshold int
	Window           time.Duration
	OpenDuration     time.Duration
	ProbeInterval    time.Duration
}

// Breaker is a per-channel circuit breaker shared by every worker through kv.Store.
// While open, one probe per probe interval is let through.
type Breaker struct {
	store  kv.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store kv.Store, cfg Config, logger *zap.Logger) (*Breaker, error) {
	if store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = defaultOpenDuration
	}
	if cfg.ProbeInterval < time.Second {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{store: store, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Allow reports whether a send on channel may proceed. Store errors fail open.
func (b *Breaker) Allow(ctx context.Context, channel string) bool {
	open, err := b.store.Exists(ctx, openKey(channel))
	if err != nil {
		b.logger.Warn("circuit breaker state unavailable, allowing send",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return true
	}
	if !open {
		return true
	}

	acquired, err := b.store.SetIfAbsent(ctx, probeKey(channel), strconv.FormatInt(b.now().Unix(), 10), b.cfg.ProbeInterval)
	if err != nil {
		b.logger.Warn("circuit breaker probe unavailable, allowing send",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return true
	}
	return acquired
}

// IsOpen reports the raw open flag without taking a probe slot.
func (b *Breaker) IsOpen(ctx context.Context, channel string) (bool, error) {
	return b.store.Exists(ctx, openKey(channel))
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, channel string) {
	if err := b.store.Delete(ctx, failuresKey(channel), openKey(channel), probeKey(channel)); err != nil {
		b.logger.Warn("failed to reset circuit breaker",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}

func (b *Breaker) RecordFailure(ctx context.Context, channel string) {
	tripped, err := b.store.TripOnThreshold(
		ctx,
		failuresKey(channel),
		openKey(channel),
		int64(b.cfg.FailureThreshold),
		b.cfg.Window,
		b.cfg.OpenDuration,
	)
	if err != nil {
		b.logger.Warn("failed to record circuit breaker failure",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}
	if tripped {
		b.logger.Warn("circuit breaker opened",
			zap.String("channel", channel),
			zap.Duration("openFor", b.cfg.OpenDuration),
		)
	}
}

func (b *Breaker) OpenDuration() time.Duration {
	return b.cfg.OpenDuration
}

func failuresKey(channel string) string {
	return "notifications:circuit:failures:" + channel
}

func openKey(channel string) string {
	return "notifications:circuit:open:" + channel
}

func probeKey(channel string) string {
	return "notifications:circuit:probe:" + channel
}
