package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airly-service/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration
}

// NewRouter wires the gateway routes. /health and /metrics bypass the rate limiter and timeout;
// everything that reaches Airly goes through both.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(timeout))
	// nearest must be registered before {id}.
	api.HandleFunc("/installations/nearest", h.GetNearestInstallations).Methods(http.MethodGet)
	api.HandleFunc("/installations/{id}", h.GetInstallation).Methods(http.MethodGet)
	api.HandleFunc("/meta/indexes", h.GetIndexes).Methods(http.MethodGet)
	api.HandleFunc("/meta/measurements", h.GetMeasurementTypes).Methods(http.MethodGet)
	api.HandleFunc("/measurements/installation", h.GetInstallationMeasurements).Methods(http.MethodGet)
	api.HandleFunc("/measurements/nearest", h.GetNearestMeasurements).Methods(http.MethodGet)
	api.HandleFunc("/measurements/point", h.GetPointMeasurements).Methods(http.MethodGet)
	return router
}
