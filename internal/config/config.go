package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/airly-service/internal/models"
)

// DefaultAirlyAPIURL is the Airly API v2 root.
const DefaultAirlyAPIURL = "https://airapi.airly.eu/v2"

// Config holds service configuration loaded from YAML and env.
type Config struct {
	// TestingMode disables the inbound rate limiter and the ready delay.
	TestingMode bool

	ServerPort string

	AirlyAPIKey            string
	AirlyAPIURL            string
	AirlyAPITimeout        time.Duration
	AirlyLanguage          string
	UpstreamRateLimitRPS   float64 // 0 disables the outbound limiter
	UpstreamRateLimitBurst int

	RequestTimeout         time.Duration
	DefaultIndexType       string
	NearestDefaultRadiusKM float64
	MaxResultsLimit        int

	CacheBackend          string // "in_memory" or "memcached"
	CacheTTL              time.Duration
	StaleCacheTTL         time.Duration // 0 disables stale fallback
	MetaTTL               time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	WarmEnabled       bool
	WarmInstallations []int
	WarmInterval      time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	TrackedInstallations []int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	AirlyAPI struct {
		URL            string  `yaml:"url"`
		Timeout        string  `yaml:"timeout"`
		Language       string  `yaml:"language"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"airly_api"`

	Request struct {
		Timeout                string  `yaml:"timeout"`
		DefaultIndexType       string  `yaml:"default_index_type"`
		NearestDefaultRadiusKM float64 `yaml:"nearest_default_radius_km"`
		MaxResultsLimit        int     `yaml:"max_results_limit"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		StaleTTL  string `yaml:"stale_ttl"`
		MetaTTL   string `yaml:"meta_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Enabled       bool   `yaml:"enabled"`
			Installations []int  `yaml:"installations"`
			Interval      string `yaml:"interval"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalescing struct {
			Enabled bool   `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalescing"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedInstallations []int `yaml:"tracked_installations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	AirlyAPIKey string `yaml:"airly_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml
// relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFromDir(cwd)
}

// LoadFromDir is Load rooted at dir instead of the working directory.
// The API key comes from AIRLY_API_KEY or the secrets file.
func LoadFromDir(dir string) (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.AirlyAPIKey, err = loadAPIKey(dir)
	if err != nil {
		return nil, err
	}

	cfg.AirlyAPIURL = strings.TrimSpace(os.Getenv("AIRLY_API_URL"))
	if cfg.AirlyAPIURL == "" {
		cfg.AirlyAPIURL = fc.AirlyAPI.URL
	}
	if cfg.AirlyAPIURL == "" {
		cfg.AirlyAPIURL = DefaultAirlyAPIURL
	}
	cfg.AirlyAPITimeout = parseDurationOrZero(fc.AirlyAPI.Timeout, 3*time.Second)
	cfg.AirlyLanguage = strings.TrimSpace(fc.AirlyAPI.Language)
	if cfg.AirlyLanguage == "" {
		cfg.AirlyLanguage = "en"
	}
	cfg.UpstreamRateLimitRPS = fc.AirlyAPI.RateLimitRPS
	if cfg.UpstreamRateLimitRPS < 0 {
		cfg.UpstreamRateLimitRPS = 0
	}
	cfg.UpstreamRateLimitBurst = fc.AirlyAPI.RateLimitBurst
	if cfg.UpstreamRateLimitBurst <= 0 {
		cfg.UpstreamRateLimitBurst = 1
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.DefaultIndexType = strings.ToUpper(strings.TrimSpace(fc.Request.DefaultIndexType))
	if cfg.DefaultIndexType == "" {
		cfg.DefaultIndexType = models.IndexAirlyCAQI
	}
	cfg.NearestDefaultRadiusKM = fc.Request.NearestDefaultRadiusKM
	if cfg.NearestDefaultRadiusKM <= 0 {
		cfg.NearestDefaultRadiusKM = 3
	}
	cfg.MaxResultsLimit = fc.Request.MaxResultsLimit
	if cfg.MaxResultsLimit <= 0 {
		cfg.MaxResultsLimit = 100
	}

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.StaleCacheTTL = parseDurationOrZero(fc.Cache.StaleTTL, time.Hour)
	if cfg.StaleCacheTTL < 0 {
		cfg.StaleCacheTTL = 0
	}
	cfg.MetaTTL = parseDuration(fc.Cache.MetaTTL, 24*time.Hour)
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.WarmEnabled = fc.Cache.Warm.Enabled
	cfg.WarmInstallations = fc.Cache.Warm.Installations
	cfg.WarmInterval = parseDuration(fc.Cache.Warm.Interval, cfg.CacheTTL)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)
	cfg.CoalesceEnabled = fc.Reliability.Coalescing.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.Coalescing.Timeout, 5*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.ReadyDelay = parseDuration(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.TrackedInstallations = fc.Metrics.TrackedInstallations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAPIKey returns AIRLY_API_KEY, falling back to airly_api_key in config/secrets.yaml.
func loadAPIKey(dir string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("AIRLY_API_KEY")); key != "" {
		return key, nil
	}
	secretsData, err := os.ReadFile(filepath.Join(dir, "config", "secrets.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
		if key := strings.TrimSpace(sec.AirlyAPIKey); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("AIRLY_API_KEY required (set env or config/secrets.yaml airly_api_key)")
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above
// AirlyAPITimeout when it would cut upstream calls short.
func validate(cfg *Config) error {
	if cfg.AirlyAPITimeout <= 0 {
		return fmt.Errorf("airly_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.AirlyAPITimeout {
		cfg.RequestTimeout = cfg.AirlyAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if !isKnownIndexType(cfg.DefaultIndexType) {
		return fmt.Errorf("request.default_index_type must be one of %s, got %q",
			strings.Join(models.KnownIndexTypes, ", "), cfg.DefaultIndexType)
	}
	if cfg.WarmEnabled && len(cfg.WarmInstallations) == 0 {
		return fmt.Errorf("cache.warm.installations must list at least one installation when warming is enabled")
	}
	for _, id := range cfg.WarmInstallations {
		if id <= 0 {
			return fmt.Errorf("cache.warm.installations: invalid installation id %d", id)
		}
	}
	return nil
}

func isKnownIndexType(s string) bool {
	for _, known := range models.KnownIndexTypes {
		if s == known {
			return true
		}
	}
	return false
}
