package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "0123456789abcdef0123456789abcdef"

const minimalEnvYAML = `
server:
  port: "8080"
airly_api:
  url: "https://airapi.example.com/v2"
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "5m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

// clearEnv unsets every variable Load reads so the host environment cannot leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AIRLY_API_KEY", "AIRLY_API_URL", "ENV_NAME", "CACHE_BACKEND", "MEMCACHED_ADDRS"} {
		t.Setenv(k, "")
	}
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := LoadFromDir(dir)
	if err == nil {
		t.Fatal("LoadFromDir() expected error when no AIRLY_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("LoadFromDir() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "AIRLY_API_KEY") {
		t.Errorf("LoadFromDir() error = %v, want message containing AIRLY_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "airly_api_key: key-from-secrets-file\n")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.AirlyAPIKey != "key-from-secrets-file" {
		t.Errorf("AirlyAPIKey = %q, want key from secrets file", cfg.AirlyAPIKey)
	}
}

func TestLoad_SucceedsWithEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "airly_api_key: ignored\n")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.AirlyAPIKey != testKey {
		t.Errorf("AirlyAPIKey = %q, want env value", cfg.AirlyAPIKey)
	}
	if cfg.AirlyAPIURL != "https://airapi.example.com/v2" {
		t.Errorf("AirlyAPIURL = %q, want value from yaml", cfg.AirlyAPIURL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeEnvFile(t, dir, "server:\n  port: \"9090\"\n")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"ServerPort", cfg.ServerPort, "9090"},
		{"AirlyAPIURL", cfg.AirlyAPIURL, DefaultAirlyAPIURL},
		{"AirlyAPITimeout", cfg.AirlyAPITimeout, 3 * time.Second},
		{"AirlyLanguage", cfg.AirlyLanguage, "en"},
		{"UpstreamRateLimitRPS", cfg.UpstreamRateLimitRPS, 0.0},
		{"RequestTimeout", cfg.RequestTimeout, 5 * time.Second},
		{"DefaultIndexType", cfg.DefaultIndexType, "AIRLY_CAQI"},
		{"NearestDefaultRadiusKM", cfg.NearestDefaultRadiusKM, 3.0},
		{"MaxResultsLimit", cfg.MaxResultsLimit, 100},
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"CacheTTL", cfg.CacheTTL, 5 * time.Minute},
		{"StaleCacheTTL", cfg.StaleCacheTTL, time.Hour},
		{"MetaTTL", cfg.MetaTTL, 24 * time.Hour},
		{"MemcachedAddrs", cfg.MemcachedAddrs, "localhost:11211"},
		{"RetryAttempts", cfg.RetryAttempts, 3},
		{"RateLimitRPS", cfg.RateLimitRPS, 100},
		{"CircuitBreakerEnabled", cfg.CircuitBreakerEnabled, false},
		{"CircuitBreakerFailureThreshold", cfg.CircuitBreakerFailureThreshold, 5},
		{"CoalesceEnabled", cfg.CoalesceEnabled, false},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"OverloadThresholdPct", cfg.OverloadThresholdPct, 80},
		{"DegradedErrorPct", cfg.DegradedErrorPct, 5},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")
	t.Setenv("AIRLY_API_KEY", testKey)

	_, err := LoadFromDir(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("LoadFromDir() error = %v, want config file not found", err)
	}
}

func TestLoad_EnvNameSelectsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "prod")
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeNamedEnvFile(t, dir, "prod", "server:\n  port: \"80\"\n")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.ServerPort != "80" {
		t.Errorf("ServerPort = %q, want 80", cfg.ServerPort)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeEnvFile(t, dir, `
cache:
  ttl: "soon"
  stale_ttl: "0s"
request:
  timeout: "-5s"
`)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want default 5m", cfg.CacheTTL)
	}
	if cfg.StaleCacheTTL != 0 {
		t.Errorf("StaleCacheTTL = %v, want 0 (explicitly disabled)", cfg.StaleCacheTTL)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want default 5s", cfg.RequestTimeout)
	}
}

func TestLoad_RequestTimeoutRaisedAboveAPITimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeEnvFile(t, dir, "airly_api:\n  timeout: \"8s\"\nrequest:\n  timeout: \"5s\"\n")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.RequestTimeout != 9*time.Second {
		t.Errorf("RequestTimeout = %v, want 9s", cfg.RequestTimeout)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{"zero API timeout", "airly_api:\n  timeout: \"0s\"\n", nil, "airly_api.timeout"},
		{"unknown backend", "cache:\n  backend: redis\n", nil, "cache.backend"},
		{"unknown backend from env", minimalEnvYAML, map[string]string{"CACHE_BACKEND": "disk"}, "cache.backend"},
		{"unknown index type", "request:\n  default_index_type: AQI\n", nil, "default_index_type"},
		{"warm without installations", "cache:\n  warm:\n    enabled: true\n", nil, "cache.warm.installations"},
		{"warm with bad id", "cache:\n  warm:\n    enabled: true\n    installations: [0]\n", nil, "invalid installation id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("AIRLY_API_KEY", testKey)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			writeEnvFile(t, dir, tt.yaml)

			_, err := LoadFromDir(dir)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFromDir() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	t.Setenv("AIRLY_API_URL", "http://localhost:9999/v2")
	t.Setenv("CACHE_BACKEND", " Memcached ")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.AirlyAPIURL != "http://localhost:9999/v2" {
		t.Errorf("AirlyAPIURL = %q, want env override", cfg.AirlyAPIURL)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "mc1:11211,mc2:11211" {
		t.Errorf("MemcachedAddrs = %q, want env override", cfg.MemcachedAddrs)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, "airly_api_key: [unclosed\n")

	_, err := LoadFromDir(dir)
	if err == nil || !strings.Contains(err.Error(), "parse secrets file") {
		t.Errorf("LoadFromDir() error = %v, want parse secrets file", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)
	dir := t.TempDir()
	writeEnvFile(t, dir, "server: [port\n")

	_, err := LoadFromDir(dir)
	if err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("LoadFromDir() error = %v, want parse config file", err)
	}
}

func TestLoad_TestingMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)

	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.TestingMode {
		t.Error("TestingMode = true, want false by default")
	}

	dir = t.TempDir()
	writeEnvFile(t, dir, "testing_mode: true\n"+minimalEnvYAML)
	cfg, err = LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if !cfg.TestingMode {
		t.Error("TestingMode = false, want true")
	}
}

// TestLoad_ProjectDevConfig verifies the checked-in config/dev.yaml loads cleanly.
func TestLoad_ProjectDevConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIRLY_API_KEY", testKey)

	cfg, err := LoadFromDir(findProjectRoot(t))
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if !cfg.CircuitBreakerEnabled || !cfg.CoalesceEnabled {
		t.Error("dev config should enable circuit breaker and coalescing")
	}
	if len(cfg.TrackedInstallations) == 0 {
		t.Error("dev config should track at least one installation")
	}
	if cfg.UpstreamRateLimitRPS <= 0 {
		t.Error("dev config should throttle upstream calls")
	}
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	writeNamedEnvFile(t, dir, "dev", content)
}

func writeNamedEnvFile(t *testing.T, dir, env, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, env+".yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
