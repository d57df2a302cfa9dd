//go:build integration
// +build integration

// Package testhelpers wires real Airly and cache backends for integration tests.
package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/airly-service/internal/cache"
	"github.com/kjstillabower/airly-service/internal/client"
	"github.com/kjstillabower/airly-service/internal/config"
	"github.com/kjstillabower/airly-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if AIRLY_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("AIRLY_API_KEY")
	if apiKey == "" {
		t.Skip("AIRLY_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("AIRLY_API_URL")
	if apiURL == "" {
		apiURL = config.DefaultAirlyAPIURL
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates an Airly client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.Client {
	t.Helper()
	c, err := client.NewAirlyClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewAirlyClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService creates a service backed by the real Airly API. A memcached backend
// is used when INTEGRATION_CACHE_BACKEND=memcached and the server answers a ping; otherwise
// the in-memory cache. The cache is closed on test cleanup.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.AirQualityService, cache.Cache) {
	t.Helper()
	airly := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache = cache.NewInMemoryCache()
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		if err == nil {
			err = mc.Ping()
		}
		if err == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("using memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("memcached not available (%v), using in-memory cache", err)
		}
	}

	svc := service.NewAirQualityService(airly, cacheSvc, service.Options{
		TTL:             5 * time.Minute,
		StaleTTL:        time.Hour,
		MetaTTL:         time.Hour,
		CoalesceEnabled: true,
		CoalesceTimeout: 10 * time.Second,
	})
	return svc, cacheSvc
}
