package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/lifecycle"
	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/observability"
	"github.com/kjstillabower/airly-service/internal/traffic"
	"github.com/kjstillabower/airly-service/internal/validation"
)

// AirQualityService is the service surface the handlers need.
type AirQualityService interface {
	Installation(ctx context.Context, id int) (models.Installation, error)
	NearestInstallations(ctx context.Context, circle models.GeoCircle, maxResults int) ([]models.Installation, error)
	Indexes(ctx context.Context) ([]models.IndexType, error)
	MeasurementTypes(ctx context.Context) ([]models.MeasurementType, error)
	InstallationMeasurements(ctx context.Context, id int, indexType string, includeWind bool) (models.Measurements, error)
	NearestMeasurements(ctx context.Context, circle models.GeoCircle, indexType string) (models.Measurements, error)
	PointMeasurements(ctx context.Context, point models.GeoPoint, indexType string) (models.Measurements, error)
}

// KeyValidator checks the upstream API key. Implemented by client.Client.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// RequestDefaults holds query parameter defaults and limits.
type RequestDefaults struct {
	IndexType       string
	NearestRadiusKM float64
	MaxResults      int
	MaxResultsLimit int
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// APIKeyCheckInterval bounds how often /health spends an upstream call on key validation.
	APIKeyCheckInterval time.Duration
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() string
	// Quota, when set, reports the last Airly rate limit headers.
	Quota func() client.Quota
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	service      AirQualityService
	validator    KeyValidator
	healthConfig *HealthConfig
	defaults     RequestDefaults
	logger       *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
	keyCheck         keyCheck
}

// NewHandler returns a new Handler. Zero defaults fall back to AIRLY_CAQI, 3 km, 1 result, limit 100.
func NewHandler(svc AirQualityService, validator KeyValidator, healthConfig *HealthConfig, defaults RequestDefaults, logger *zap.Logger) *Handler {
	if defaults.IndexType == "" {
		defaults.IndexType = models.IndexAirlyCAQI
	}
	if defaults.NearestRadiusKM <= 0 {
		defaults.NearestRadiusKM = 3
	}
	if defaults.MaxResults <= 0 {
		defaults.MaxResults = 1
	}
	if defaults.MaxResultsLimit <= 0 {
		defaults.MaxResultsLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:      svc,
		validator:    validator,
		healthConfig: healthConfig,
		defaults:     defaults,
		logger:       logger,
	}
}

// GetInstallation handles GET /installations/{id}.
func (h *Handler) GetInstallation(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseInstallationID(mux.Vars(r)["id"])
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	result, err := h.service.Installation(r.Context(), id)
	respond(w, r, result, err)
}

// GetNearestInstallations handles GET /installations/nearest?lat&lng&maxDistanceKM&maxResults.
func (h *Handler) GetNearestInstallations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	circle, err := validation.ParseGeoCircle(q.Get("lat"), q.Get("lng"), q.Get("maxDistanceKM"), h.defaults.NearestRadiusKM)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	maxResults, err := validation.ParseMaxResults(q.Get("maxResults"), h.defaults.MaxResults, h.defaults.MaxResultsLimit)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	result, err := h.service.NearestInstallations(r.Context(), circle, maxResults)
	if result == nil && err == nil {
		result = []models.Installation{}
	}
	respond(w, r, result, err)
}

// GetIndexes handles GET /meta/indexes.
func (h *Handler) GetIndexes(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Indexes(r.Context())
	respond(w, r, result, err)
}

// GetMeasurementTypes handles GET /meta/measurements.
func (h *Handler) GetMeasurementTypes(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.MeasurementTypes(r.Context())
	respond(w, r, result, err)
}

// GetInstallationMeasurements handles GET /measurements/installation?installationId&indexType&includeWind.
func (h *Handler) GetInstallationMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := validation.ParseInstallationID(q.Get("installationId"))
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	indexType, ok := h.indexType(w, r)
	if !ok {
		return
	}
	includeWind, err := validation.ParseBool(q.Get("includeWind"))
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	result, err := h.service.InstallationMeasurements(r.Context(), id, indexType, includeWind)
	respond(w, r, result, err)
}

// GetNearestMeasurements handles GET /measurements/nearest?lat&lng&maxDistanceKM&indexType.
func (h *Handler) GetNearestMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	circle, err := validation.ParseGeoCircle(q.Get("lat"), q.Get("lng"), q.Get("maxDistanceKM"), h.defaults.NearestRadiusKM)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	indexType, ok := h.indexType(w, r)
	if !ok {
		return
	}
	result, err := h.service.NearestMeasurements(r.Context(), circle, indexType)
	respond(w, r, result, err)
}

// GetPointMeasurements handles GET /measurements/point?lat&lng&indexType.
func (h *Handler) GetPointMeasurements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	point, err := validation.ParseGeoPoint(q.Get("lat"), q.Get("lng"))
	if err != nil {
		writeValidationError(w, r, err)
		return
	}
	indexType, ok := h.indexType(w, r)
	if !ok {
		return
	}
	result, err := h.service.PointMeasurements(r.Context(), point, indexType)
	respond(w, r, result, err)
}

func (h *Handler) indexType(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("indexType")
	if raw == "" {
		return h.defaults.IndexType, true
	}
	indexType, err := validation.ParseIndexType(raw)
	if err != nil {
		writeValidationError(w, r, err)
		return "", false
	}
	return indexType, true
}

// respond writes result as 200 JSON or maps err and records the outcome for health tracking.
func respond(w http.ResponseWriter, r *http.Request, result interface{}, err error) {
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.reason == "api_key_invalid" || result.reason == "error_rate_breach" {
		checks["airlyApi"] = "unhealthy"
	} else {
		checks["airlyApi"] = "healthy"
	}
	resp := map[string]interface{}{
		"status":        result.status,
		"service":       "airly-service",
		"version":       "dev",
		"ready":         lifecycle.IsReady(),
		"uptimeSeconds": int64(lifecycle.Uptime().Seconds()),
		"checks":        checks,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if hc := h.healthConfig; hc != nil {
		if hc.CachePing != nil {
			if hc.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
		if hc.BreakerState != nil {
			checks["circuitBreaker"] = hc.BreakerState()
		}
		if hc.Quota != nil {
			q := hc.Quota()
			resp["quota"] = map[string]int{
				"dayLimit":        q.DayLimit,
				"dayRemaining":    q.DayRemaining,
				"minuteLimit":     q.MinuteLimit,
				"minuteRemaining": q.MinuteRemaining,
			}
		}
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus determines the current health status by evaluating conditions in priority order.
// Decision order: shutting-down > starting > API key invalid > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "not_ready"}
	}
	interval := time.Duration(0)
	if h.healthConfig != nil {
		interval = h.healthConfig.APIKeyCheckInterval
	}
	if err := h.keyCheck.validate(ctx, h.validator, interval); err != nil {
		if errors.Is(err, client.ErrInvalidAPIKey) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
		h.logger.Debug("api key check inconclusive", zap.Error(err))
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	hc := h.healthConfig
	if hc.RateLimitRPS > 0 && hc.OverloadWindow > 0 {
		threshold := float64(hc.RateLimitRPS) * hc.OverloadWindow.Seconds() * float64(hc.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(hc.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if hc.DegradedWindow > 0 && hc.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(hc.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(hc.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// keyCheck memoizes a conclusive API key validation result (valid or invalid) for an interval.
// Inconclusive results such as cancellations or transport errors are retried on the next check.
type keyCheck struct {
	mu        sync.Mutex
	checkedAt time.Time
	err       error
}

func (k *keyCheck) validate(ctx context.Context, v KeyValidator, interval time.Duration) error {
	if v == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if interval > 0 && !k.checkedAt.IsZero() && time.Since(k.checkedAt) < interval {
		return k.err
	}
	err := v.ValidateAPIKey(ctx)
	if err != nil && !errors.Is(err, client.ErrInvalidAPIKey) {
		return err
	}
	k.err = err
	k.checkedAt = time.Now()
	return err
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeValidationError maps a validation error to 400 with an INVALID_* code.
func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	code := "INVALID_PARAMETER"
	switch {
	case errors.Is(err, validation.ErrCoordinatesRequired), errors.Is(err, validation.ErrInvalidCoordinates):
		code = "INVALID_COORDINATES"
	case errors.Is(err, validation.ErrInvalidRadius):
		code = "INVALID_RADIUS"
	case errors.Is(err, validation.ErrInvalidIndexType):
		code = "INVALID_INDEX_TYPE"
	case errors.Is(err, validation.ErrInvalidInstallationID):
		code = "INVALID_INSTALLATION_ID"
	case errors.Is(err, validation.ErrInvalidMaxResults):
		code = "INVALID_MAX_RESULTS"
	}
	writeError(w, r, http.StatusBadRequest, code, err.Error())
}

// writeServiceError maps service errors: 404 NOT_FOUND, 400 INVALID_REQUEST, otherwise 503 UPSTREAM_UNAVAILABLE.
// Only 503s count toward the degraded error rate.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if logger := observability.LoggerFromContext(r.Context()); logger != nil {
		logger.Debug("upstream error", zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
	}
	switch {
	case errors.Is(err, client.ErrNotFound):
		traffic.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Resource not found in Airly")
	case errors.Is(err, client.ErrBadRequest), errors.Is(err, client.ErrInvalidIndexType):
		traffic.RecordSuccess()
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Airly rejected the request parameters")
	default:
		traffic.RecordError()
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch air quality data")
	}
}
