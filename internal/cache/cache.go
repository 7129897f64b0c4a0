package cache

import (
	"context"
	"time"

	"vetstock/backend/internal/domain"
)

// AlertCache debounces low-stock notifications. A stored entry means an
// alert for that key was raised recently and should not be repeated until
// the TTL lapses.
type AlertCache interface {
	Get(ctx context.Context, key string) (*domain.LowStockAlert, bool, error)
	Set(ctx context.Context, key string, value *domain.LowStockAlert, ttl time.Duration) error
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) (*domain.LowStockAlert, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ *domain.LowStockAlert, _ time.Duration) error {
	return nil
}
