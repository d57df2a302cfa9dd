package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airly-service/internal/cache"
	"github.com/kjstillabower/airly-service/internal/circuitbreaker"
	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/config"
	httphandler "github.com/kjstillabower/airly-service/internal/http"
	"github.com/kjstillabower/airly-service/internal/lifecycle"
	"github.com/kjstillabower/airly-service/internal/observability"
	"github.com/kjstillabower/airly-service/internal/service"
)

const (
	breakerComponent    = "airly_api"
	apiKeyCheckInterval = 5 * time.Minute
	inFlightPoll        = 50 * time.Millisecond
)

// app is the wired service: HTTP server plus the resources shutdown must release.
type app struct {
	cfg       *config.Config
	server    *http.Server
	client    *client.Client
	service   *service.AirQualityService
	memcached *cache.MemcachedCache
	warmer    *cache.CacheWarmer
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	lifecycle.MarkStarted(time.Now())

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.warmer != nil {
		go func() {
			if err := a.warmer.WarmPeriodic(ctx, cfg.WarmInstallations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("server starting", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	go markReadyAfter(ctx, a.readyDelay(), logger)

	<-ctx.Done()
	stop()
	a.shutdown(logger)
}

// newApp builds the Airly client, cache, service and router from cfg. It performs no network I/O.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	airly, err := client.NewAirlyClientWithRetry(
		cfg.AirlyAPIKey,
		cfg.AirlyAPIURL,
		cfg.AirlyAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		return nil, fmt.Errorf("airly client: %w", err)
	}
	airly.SetLanguage(cfg.AirlyLanguage)
	if cfg.UpstreamRateLimitRPS > 0 {
		burst := cfg.UpstreamRateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		airly.SetLimiter(rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimitRPS), burst))
		logger.Info("upstream rate limit enabled", zap.Float64("rps", cfg.UpstreamRateLimitRPS), zap.Int("burst", burst))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        breakerComponent,
			IsFailure:        client.IsRetryable,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
				observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(breakerComponent, observability.CircuitBreakerStateValue(int(to)))
			},
		})
		airly.SetCircuitBreaker(breaker)
		observability.SetCircuitBreakerStateGauge(breakerComponent, 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	a := &app{cfg: cfg, client: airly}

	var cacheSvc cache.Cache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.memcached = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCacheWithRetention(cfg.StaleCacheTTL)
		logger.Info("cache backend: in_memory")
	}

	a.service = service.NewAirQualityService(airly, cacheSvc, service.Options{
		TTL:             cfg.CacheTTL,
		StaleTTL:        cfg.StaleCacheTTL,
		MetaTTL:         cfg.MetaTTL,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	})

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		APIKeyCheckInterval:  apiKeyCheckInterval,
		Quota:                airly.Quota,
	}
	if a.memcached != nil {
		healthConfig.CachePing = a.memcached.Ping
	}
	if breaker != nil {
		healthConfig.BreakerState = func() string { return breaker.State().String() }
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 && !cfg.TestingMode {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	if cfg.TestingMode {
		logger.Warn("testing mode enabled; inbound rate limit and ready delay disabled")
	}

	handler := httphandler.NewHandler(a.service, airly, healthConfig, httphandler.RequestDefaults{
		IndexType:       cfg.DefaultIndexType,
		NearestRadiusKM: cfg.NearestDefaultRadiusKM,
		MaxResultsLimit: cfg.MaxResultsLimit,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedInstallations) > 0 {
		observability.SetTrackedInstallations(cfg.TrackedInstallations)
	}

	if cfg.WarmEnabled && len(cfg.WarmInstallations) > 0 {
		a.warmer = cache.NewCacheWarmer(a.service, cfg.DefaultIndexType, false, logger)
	}

	a.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}
	return a, nil
}

func (a *app) readyDelay() time.Duration {
	if a.cfg.TestingMode {
		return 0
	}
	return a.cfg.ReadyDelay
}

// markReadyAfter flips readiness once delay has elapsed, unless ctx ends first.
func markReadyAfter(ctx context.Context, delay time.Duration, logger *zap.Logger) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	lifecycle.MarkReady()
	logger.Info("service ready", zap.Duration("ready_delay", delay))
}

// shutdown stops accepting requests, drains in-flight work, flushes telemetry and closes the cache.
func (a *app) shutdown(logger *zap.Logger) {
	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightPoll); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if a.memcached != nil {
		if err := a.memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
