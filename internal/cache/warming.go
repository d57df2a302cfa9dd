package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/observability"
)

// MeasurementsFetcher is implemented by the service layer to fetch (and cache)
// measurements for one installation. Used by CacheWarmer to avoid a circular
// dependency on the service package.
type MeasurementsFetcher interface {
	InstallationMeasurements(ctx context.Context, id int, indexType string, includeWind bool) (models.Measurements, error)
}

// CacheWarmer warms the cache by prefetching measurements for a list of installations.
type CacheWarmer struct {
	fetcher     MeasurementsFetcher
	indexType   string
	includeWind bool
	logger      *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that fetches indexType measurements through fetcher.
func NewCacheWarmer(fetcher MeasurementsFetcher, indexType string, includeWind bool, logger *zap.Logger) *CacheWarmer {
	if indexType == "" {
		indexType = models.IndexAirlyCAQI
	}
	return &CacheWarmer{fetcher: fetcher, indexType: indexType, includeWind: includeWind, logger: logger}
}

// Warm fetches measurements for each installation concurrently; the fetcher populates the cache.
// Returns an aggregated error if any installation failed.
func (w *CacheWarmer) Warm(ctx context.Context, installationIDs []int) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("installations", len(installationIDs)), zap.String("index_type", w.indexType))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(installationIDs))
	for _, id := range installationIDs {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := w.fetcher.InstallationMeasurements(ctx, id, w.indexType, w.includeWind); err != nil {
				errCh <- fmt.Errorf("warm installation %d: %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("installations", len(installationIDs)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, installationIDs []int, interval time.Duration) error {
	if err := w.Warm(ctx, installationIDs); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, installationIDs); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
