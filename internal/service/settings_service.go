package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

// SettingsCache is a short-lived copy of the settings table.
type SettingsCache interface {
	Load(ctx context.Context) (map[string]string, bool, error)
	Store(ctx context.Context, values map[string]string) error
	Invalidate(ctx context.Context) error
}

var _ provider.EndpointSource = (*SettingsService)(nil)

// SettingsService serves runtime settings through the cache and resolves the
// provider endpoints from them.
type SettingsService struct {
	repo     repository.SettingRepository
	cache    SettingsCache
	defaults provider.Endpoints
	logger   *zap.Logger
}

func NewSettingsService(repo repository.SettingRepository, cache SettingsCache, defaults provider.Endpoints, logger *zap.Logger) (*SettingsService, error) {
	if repo == nil {
		return nil, fmt.Errorf("setting repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsService{repo: repo, cache: cache, defaults: defaults, logger: logger}, nil
}

func (s *SettingsService) All(ctx context.Context) (map[string]string, error) {
	if s.cache != nil {
		values, ok, err := s.cache.Load(ctx)
		if err != nil {
			s.logger.Warn("settings cache unavailable, reading database", zap.Error(err))
		} else if ok {
			return values, nil
		}
	}

	values, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Store(ctx, values); err != nil {
			s.logger.Warn("failed to populate settings cache", zap.Error(err))
		}
	}
	return values, nil
}

// Get returns the value of a known setting and whether it is set.
func (s *SettingsService) Get(ctx context.Context, name string) (string, bool, error) {
	if !domain.IsKnownSetting(name) {
		return "", false, unknownSettingError(name)
	}
	values, err := s.All(ctx)
	if err != nil {
		return "", false, err
	}
	value, ok := values[name]
	return value, ok, nil
}

func (s *SettingsService) Set(ctx context.Context, name, value string) error {
	if !domain.IsKnownSetting(name) {
		return unknownSettingError(name)
	}
	if err := s.repo.Set(ctx, name, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", name, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn("failed to invalidate settings cache", zap.String("setting", name), zap.Error(err))
		}
	}
	return nil
}

// Endpoints overlays stored endpoint settings on the configured defaults.
// Settings that cannot be read leave the defaults in place.
func (s *SettingsService) Endpoints(ctx context.Context) provider.Endpoints {
	endpoints := provider.StaticEndpoints(s.defaults).Endpoints(ctx)

	values, err := s.All(ctx)
	if err != nil {
		s.logger.Warn("settings unavailable, using configured endpoints", zap.Error(err))
		return endpoints
	}

	if v := strings.TrimSpace(values[domain.SettingProviderWebhookURL]); v != "" {
		endpoints.Primary = v
	}
	if v := strings.TrimSpace(values[domain.SettingProviderFallbackWebhookURL]); v != "" {
		endpoints.Fallback = v
	}
	return endpoints
}

func unknownSettingError(name string) error {
	known := append([]string(nil), domain.KnownSettings...)
	sort.Strings(known)
	return fmt.Errorf("%w: unknown setting %q (known: %s)", domain.ErrValidation, name, strings.Join(known, ", "))
}
