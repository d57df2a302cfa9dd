package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/airly-service/internal/config"
	"github.com/kjstillabower/airly-service/internal/lifecycle"
	"github.com/kjstillabower/airly-service/internal/traffic"
)

const testAPIKey = "0123456789abcdef0123456789abcdef"

// fakeAirly serves canned Airly v2 responses and counts measurement calls.
func fakeAirly(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var measurementCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/meta/indexes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"AIRLY_CAQI","levels":[]}]`))
	})
	mux.HandleFunc("/v2/measurements/installation", func(w http.ResponseWriter, r *http.Request) {
		measurementCalls.Add(1)
		_, _ = w.Write([]byte(`{"current":{"values":[{"name":"PM25","value":14.2}],"indexes":[{"name":"AIRLY_CAQI","value":25,"level":"LOW"}],"standards":[]},"history":[],"forecast":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &measurementCalls
}

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		ServerPort:                     "0",
		AirlyAPIKey:                    testAPIKey,
		AirlyAPIURL:                    apiURL,
		AirlyAPITimeout:                2 * time.Second,
		AirlyLanguage:                  "pl",
		UpstreamRateLimitRPS:           100,
		UpstreamRateLimitBurst:         10,
		RequestTimeout:                 3 * time.Second,
		DefaultIndexType:               "AIRLY_CAQI",
		NearestDefaultRadiusKM:         3,
		MaxResultsLimit:                100,
		CacheBackend:                   "in_memory",
		CacheTTL:                       5 * time.Minute,
		StaleCacheTTL:                  time.Hour,
		MetaTTL:                        time.Hour,
		RetryAttempts:                  1,
		RetryBaseDelay:                 10 * time.Millisecond,
		RetryMaxDelay:                  20 * time.Millisecond,
		RateLimitRPS:                   100,
		RateLimitBurst:                 100,
		CircuitBreakerEnabled:          true,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerSuccessThreshold: 1,
		CircuitBreakerTimeout:          time.Second,
		CoalesceEnabled:                true,
		CoalesceTimeout:                time.Second,
		ShutdownTimeout:                time.Second,
		OverloadWindow:                 time.Minute,
		OverloadThresholdPct:           80,
		DegradedWindow:                 time.Minute,
		DegradedErrorPct:               50,
		WarmEnabled:                    true,
		WarmInstallations:              []int{204},
		WarmInterval:                   time.Hour,
	}
}

func resetProcessState(t *testing.T) {
	t.Helper()
	lifecycle.Reset()
	traffic.Reset()
	t.Cleanup(func() {
		lifecycle.Reset()
		traffic.Reset()
	})
}

func TestNewApp_ServesMeasurementsAndCaches(t *testing.T) {
	resetProcessState(t)
	upstream, calls := fakeAirly(t)
	a, err := newApp(testConfig(upstream.URL+"/v2"), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/measurements/installation?installationId=204", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"PM25"`)
	}
	assert.Equal(t, int32(1), calls.Load(), "second request should be served from cache")
}

func TestNewApp_HealthLifecycle(t *testing.T) {
	resetProcessState(t)
	upstream, _ := fakeAirly(t)
	a, err := newApp(testConfig(upstream.URL+"/v2"), zap.NewNop())
	require.NoError(t, err)

	health := func() (int, map[string]interface{}) {
		w := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		return w.Code, body
	}

	code, body := health()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body["status"])

	lifecycle.MarkReady()
	code, body = health()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "closed", checks["circuitBreaker"])
	assert.NotContains(t, checks, "cache", "in-memory backend has no cache ping")
}

func TestNewApp_WarmerPopulatesCache(t *testing.T) {
	resetProcessState(t)
	upstream, calls := fakeAirly(t)
	a, err := newApp(testConfig(upstream.URL+"/v2"), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.warmer)

	require.NoError(t, a.warmer.Warm(context.Background(), a.cfg.WarmInstallations))
	require.Equal(t, int32(1), calls.Load())

	w := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/measurements/installation?installationId=204", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), calls.Load(), "warmed entry should be served from cache")
}

func TestNewApp_MemcachedBackendReportsCacheCheck(t *testing.T) {
	resetProcessState(t)
	lifecycle.MarkReady()
	upstream, _ := fakeAirly(t)
	cfg := testConfig(upstream.URL + "/v2")
	cfg.CacheBackend = "memcached"
	cfg.MemcachedAddrs = "127.0.0.1:1"
	cfg.MemcachedTimeout = 50 * time.Millisecond
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.memcached)
	t.Cleanup(func() { _ = a.memcached.Close() })

	w := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Contains(t, w.Body.String(), `"cache":"unhealthy"`)
}

func TestNewApp_InvalidAPIKey(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v2")
	cfg.AirlyAPIKey = "short"
	_, err := newApp(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "airly client:"), err.Error())
}

func TestNewApp_TestingModeDisablesLimiterAndDelay(t *testing.T) {
	resetProcessState(t)
	lifecycle.MarkReady()
	upstream, _ := fakeAirly(t)
	cfg := testConfig(upstream.URL + "/v2")
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	cfg.ReadyDelay = time.Hour
	cfg.TestingMode = true
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Zero(t, a.readyDelay())
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/meta/indexes", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMarkReadyAfter(t *testing.T) {
	resetProcessState(t)
	core, logs := observer.New(zapcore.InfoLevel)

	markReadyAfter(context.Background(), 5*time.Millisecond, zap.New(core))

	assert.True(t, lifecycle.IsReady())
	assert.Equal(t, 1, logs.FilterMessage("service ready").Len())
}

func TestMarkReadyAfter_CanceledStaysNotReady(t *testing.T) {
	resetProcessState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	markReadyAfter(ctx, time.Hour, zap.NewNop())

	assert.False(t, lifecycle.IsReady())
}

func TestShutdown_MarksShuttingDown(t *testing.T) {
	resetProcessState(t)
	upstream, _ := fakeAirly(t)
	a, err := newApp(testConfig(upstream.URL+"/v2"), zap.NewNop())
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)

	a.shutdown(zap.New(core))

	assert.True(t, lifecycle.IsShuttingDown())
	assert.Equal(t, 1, logs.FilterMessage("shutdown complete").Len())
}
