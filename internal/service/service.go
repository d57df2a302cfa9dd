package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/airly-service/internal/cache"
	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/observability"
)

// Query kinds, used in cache keys and metric labels.
const (
	KindInstallation = "installation"
	KindNearest      = "nearest"
	KindPoint        = "point"
)

// keyPrecision is the number of decimals coordinates are rounded to in cache keys (~11 m).
const keyPrecision = 4

// Options configures AirQualityService.
type Options struct {
	// TTL is how long measurements are served from cache.
	TTL time.Duration
	// StaleTTL is the maximum age for stale cache fallback when upstream fails (0 disables).
	StaleTTL time.Duration
	// MetaTTL is how long index and measurement-type metadata are memoized (0 disables).
	MetaTTL         time.Duration
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
}

// AirQualityService orchestrates Airly data retrieval: measurements use cache-aside
// with upstream fallback, metadata is memoized in process, installations pass through.
type AirQualityService struct {
	client    client.AirlyClient
	cache     cache.Cache
	opts      Options
	stampede  *stampedeTracker
	coalescer *requestCoalescer[models.Measurements]

	indexes memo[[]models.IndexType]
	types   memo[[]models.MeasurementType]
	now     func() time.Time
}

// NewAirQualityService creates a service over the given client and cache.
// Coalescing is disabled unless opts.CoalesceEnabled is set with a positive timeout.
func NewAirQualityService(c client.AirlyClient, ch cache.Cache, opts Options) *AirQualityService {
	var coalescer *requestCoalescer[models.Measurements]
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer[models.Measurements](opts.CoalesceTimeout)
	}
	return &AirQualityService{
		client:    c,
		cache:     ch,
		opts:      opts,
		stampede:  newStampedeTracker(),
		coalescer: coalescer,
		now:       time.Now,
	}
}

// InstallationMeasurements returns current, history and forecast for one installation.
func (s *AirQualityService) InstallationMeasurements(ctx context.Context, id int, indexType string, includeWind bool) (models.Measurements, error) {
	key := InstallationKey(id, indexType, includeWind)
	observability.RecordMeasurementQuery(KindInstallation, id)
	return s.measurements(ctx, KindInstallation, key, func(ctx context.Context) (models.Measurements, error) {
		return s.client.GetInstallationMeasurements(ctx, id, indexType, includeWind)
	})
}

// NearestMeasurements returns measurements from the installation closest to circle's centre.
func (s *AirQualityService) NearestMeasurements(ctx context.Context, circle models.GeoCircle, indexType string) (models.Measurements, error) {
	key := NearestKey(circle, indexType)
	observability.RecordMeasurementQuery(KindNearest, 0)
	return s.measurements(ctx, KindNearest, key, func(ctx context.Context) (models.Measurements, error) {
		return s.client.GetNearestMeasurements(ctx, circle, indexType)
	})
}

// PointMeasurements returns measurements interpolated for an arbitrary point.
func (s *AirQualityService) PointMeasurements(ctx context.Context, point models.GeoPoint, indexType string) (models.Measurements, error) {
	key := PointKey(point, indexType)
	observability.RecordMeasurementQuery(KindPoint, 0)
	return s.measurements(ctx, KindPoint, key, func(ctx context.Context) (models.Measurements, error) {
		return s.client.GetPointMeasurements(ctx, point, indexType)
	})
}

// Installation returns one installation by ID.
func (s *AirQualityService) Installation(ctx context.Context, id int) (models.Installation, error) {
	inst, err := s.client.GetInstallation(ctx, id)
	if err != nil {
		return models.Installation{}, fmt.Errorf("fetch installation %d: %w", id, err)
	}
	return inst, nil
}

// NearestInstallations returns up to maxResults installations inside circle.
func (s *AirQualityService) NearestInstallations(ctx context.Context, circle models.GeoCircle, maxResults int) ([]models.Installation, error) {
	out, err := s.client.GetNearestInstallations(ctx, circle, maxResults)
	if err != nil {
		return nil, fmt.Errorf("fetch nearest installations: %w", err)
	}
	return out, nil
}

// Indexes returns the index type definitions, memoized for MetaTTL.
func (s *AirQualityService) Indexes(ctx context.Context) ([]models.IndexType, error) {
	out, err := s.indexes.get(ctx, s.now, s.opts.MetaTTL, s.client.GetIndexes)
	if err != nil {
		return nil, fmt.Errorf("fetch indexes: %w", err)
	}
	return out, nil
}

// MeasurementTypes returns the measurement type definitions, memoized for MetaTTL.
func (s *AirQualityService) MeasurementTypes(ctx context.Context) ([]models.MeasurementType, error) {
	out, err := s.types.get(ctx, s.now, s.opts.MetaTTL, s.client.GetMeasurementTypes)
	if err != nil {
		return nil, fmt.Errorf("fetch measurement types: %w", err)
	}
	return out, nil
}

// measurements is the cache-aside path shared by all measurement queries.
func (s *AirQualityService) measurements(ctx context.Context, kind, key string, fetch func(ctx context.Context) (models.Measurements, error)) (models.Measurements, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		if logger != nil {
			logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues(kind).Inc()
		if logger != nil {
			logger.Debug("measurements served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}
	observability.CacheMissesTotal.WithLabelValues(kind).Inc()

	concurrentMisses, release := s.stampede.miss(kind, key)
	defer release()

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key), zap.Int("concurrent_misses", concurrentMisses))
	}

	var data models.Measurements
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		var shared bool
		data, shared, upstreamErr = s.coalescer.Do(ctx, key, fetch)
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(kind).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(coalesceStart).Seconds())
		}
	} else {
		data, upstreamErr = fetch(ctx)
	}

	if upstreamErr != nil {
		if !servesStale(upstreamErr) {
			return models.Measurements{}, fmt.Errorf("fetch %s measurements: %w", kind, upstreamErr)
		}
		if stale, ok := s.staleFallback(ctx, kind, key, logger); ok {
			return stale, nil
		}
		return models.Measurements{}, fmt.Errorf("fetch %s measurements: %w", kind, upstreamErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, data, s.opts.TTL); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("measurements served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return data, nil
}

// servesStale reports whether err is an availability failure that stale data can cover.
// Errors that describe the request itself, such as an unknown installation, are returned as is.
func servesStale(err error) bool {
	return !errors.Is(err, client.ErrNotFound) && !errors.Is(err, client.ErrBadRequest) &&
		!errors.Is(err, client.ErrInvalidIndexType)
}

func (s *AirQualityService) staleFallback(ctx context.Context, kind, key string, logger *zap.Logger) (models.Measurements, bool) {
	if s.opts.StaleTTL <= 0 {
		return models.Measurements{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key, s.opts.StaleTTL)
	if err != nil || !ok {
		return models.Measurements{}, false
	}
	age := s.now().Sub(stale.FetchedAt)
	observability.StaleCacheServesTotal.WithLabelValues(kind).Inc()
	observability.StaleCacheAgeSeconds.Observe(age.Seconds())
	stale.Stale = true
	if logger != nil {
		logger.Info("serving stale cache", zap.String("key", key), zap.Duration("age", age))
	}
	return stale, true
}

// InstallationKey is the cache key for installation measurements.
func InstallationKey(id int, indexType string, includeWind bool) string {
	return strings.Join([]string{KindInstallation, strconv.Itoa(id), normalizeIndex(indexType), strconv.FormatBool(includeWind)}, ":")
}

// NearestKey is the cache key for nearest measurements.
func NearestKey(circle models.GeoCircle, indexType string) string {
	return strings.Join([]string{KindNearest, roundCoord(circle.Point.Latitude), roundCoord(circle.Point.Longitude),
		strconv.FormatFloat(circle.RadiusKM, 'f', -1, 64), normalizeIndex(indexType)}, ":")
}

// PointKey is the cache key for point measurements.
func PointKey(point models.GeoPoint, indexType string) string {
	return strings.Join([]string{KindPoint, roundCoord(point.Latitude), roundCoord(point.Longitude), normalizeIndex(indexType)}, ":")
}

func roundCoord(v float64) string {
	scale := math.Pow10(keyPrecision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		r = 0 // drop negative zero
	}
	return strconv.FormatFloat(r, 'f', keyPrecision, 64)
}

func normalizeIndex(indexType string) string {
	return strings.ToUpper(strings.TrimSpace(indexType))
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// memo holds one metadata result for a bounded time.
type memo[T any] struct {
	mu        sync.Mutex
	value     T
	expiresAt time.Time
	set       bool
}

func (m *memo[T]) get(ctx context.Context, now func() time.Time, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 && m.set && now().Before(m.expiresAt) {
		return m.value, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		if m.set {
			// Serve the last known value while upstream is failing.
			return m.value, nil
		}
		var zero T
		return zero, err
	}
	m.value, m.set, m.expiresAt = v, true, now().Add(ttl)
	return v, nil
}
