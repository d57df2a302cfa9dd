// Package client is a typed client for the Airly air quality API v2.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airly-service/internal/circuitbreaker"
	"github.com/kjstillabower/airly-service/internal/models"
	"github.com/kjstillabower/airly-service/internal/observability"
)

// DefaultBaseURL is the Airly API v2 root.
const DefaultBaseURL = "https://airapi.airly.eu/v2"

// apiKeyLength is the length of keys issued at developer.airly.eu.
const apiKeyLength = 32

// maxErrorBody caps how much of an error response is read for the message.
const maxErrorBody = 4 << 10

// AirlyClient is the set of Airly API operations used by the service and CLI.
type AirlyClient interface {
	GetInstallation(ctx context.Context, id int) (models.Installation, error)
	GetNearestInstallations(ctx context.Context, circle models.GeoCircle, maxResults int) ([]models.Installation, error)
	GetIndexes(ctx context.Context) ([]models.IndexType, error)
	GetMeasurementTypes(ctx context.Context) ([]models.MeasurementType, error)
	GetInstallationMeasurements(ctx context.Context, id int, indexType string, includeWind bool) (models.Measurements, error)
	GetNearestMeasurements(ctx context.Context, circle models.GeoCircle, indexType string) (models.Measurements, error)
	GetPointMeasurements(ctx context.Context, point models.GeoPoint, indexType string) (models.Measurements, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrInvalidIndexType = errors.New("index type is required")
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = circuitbreaker.ErrOpen
)

// APIError is a non-2xx Airly response. It unwraps to one of the sentinel errors above.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%v: HTTP %d", e.kind, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.kind }

// Quota is the last rate limit state reported by Airly response headers.
// A value of -1 means the header has not been seen yet.
type Quota struct {
	DayLimit        int
	DayRemaining    int
	MinuteLimit     int
	MinuteRemaining int
}

// HTTPDoer abstracts HTTP request execution so tests can substitute transports.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements AirlyClient over HTTP.
type Client struct {
	apiKey         string
	baseURL        *url.URL
	language       string
	timeout        time.Duration
	client         HTTPDoer
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter

	quotaMu sync.RWMutex
	quota   Quota
}

// NewAirlyClient creates a client with 3 attempts and 100ms..2s backoff.
func NewAirlyClient(apiKey, baseURL string, timeout time.Duration) (*Client, error) {
	return NewAirlyClientWithRetry(apiKey, baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewAirlyClientWithRetry creates a client with an explicit retry policy.
// retryAttempts counts the first call, so 1 disables retries.
func NewAirlyClientWithRetry(apiKey, baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) != apiKeyLength {
		return nil, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidAPIKey, apiKeyLength, len(apiKey))
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		apiKey:         apiKey,
		baseURL:        u,
		language:       "en",
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
		quota: Quota{DayLimit: -1, DayRemaining: -1, MinuteLimit: -1, MinuteRemaining: -1},
	}, nil
}

// SetCircuitBreaker guards every upstream attempt with cb. Call before first use.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// SetLimiter throttles outbound calls so the account quota is not exceeded. Call before first use.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// SetLanguage sets Accept-Language for translated fields (index descriptions, advice). Airly supports "en" and "pl".
func (c *Client) SetLanguage(lang string) {
	if lang = strings.TrimSpace(lang); lang != "" {
		c.language = lang
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(d HTTPDoer) {
	if d != nil {
		c.client = d
	}
}

// Quota returns the most recent quota reported by Airly.
func (c *Client) Quota() Quota {
	c.quotaMu.RLock()
	defer c.quotaMu.RUnlock()
	return c.quota
}

func (c *Client) GetInstallation(ctx context.Context, id int) (models.Installation, error) {
	if id <= 0 {
		return models.Installation{}, fmt.Errorf("%w: installation id must be positive, got %d", ErrBadRequest, id)
	}
	return getJSON[models.Installation](ctx, c, "installation", nil, "installations", strconv.Itoa(id))
}

func (c *Client) GetNearestInstallations(ctx context.Context, circle models.GeoCircle, maxResults int) ([]models.Installation, error) {
	q := circleQuery(circle)
	q.Set("maxResults", strconv.Itoa(maxResults))
	return getJSON[[]models.Installation](ctx, c, "installations_nearest", q, "installations", "nearest")
}

func (c *Client) GetIndexes(ctx context.Context) ([]models.IndexType, error) {
	return getJSON[[]models.IndexType](ctx, c, "meta_indexes", nil, "meta", "indexes")
}

func (c *Client) GetMeasurementTypes(ctx context.Context) ([]models.MeasurementType, error) {
	return getJSON[[]models.MeasurementType](ctx, c, "meta_measurements", nil, "meta", "measurements")
}

func (c *Client) GetInstallationMeasurements(ctx context.Context, id int, indexType string, includeWind bool) (models.Measurements, error) {
	if strings.TrimSpace(indexType) == "" {
		return models.Measurements{}, ErrInvalidIndexType
	}
	q := url.Values{}
	q.Set("installationId", strconv.Itoa(id))
	q.Set("indexType", indexType)
	if includeWind {
		q.Set("includeWind", "true")
	}
	return c.getMeasurements(ctx, "measurements_installation", q, "installation")
}

func (c *Client) GetNearestMeasurements(ctx context.Context, circle models.GeoCircle, indexType string) (models.Measurements, error) {
	if strings.TrimSpace(indexType) == "" {
		return models.Measurements{}, ErrInvalidIndexType
	}
	q := circleQuery(circle)
	q.Set("indexType", indexType)
	return c.getMeasurements(ctx, "measurements_nearest", q, "nearest")
}

func (c *Client) GetPointMeasurements(ctx context.Context, point models.GeoPoint, indexType string) (models.Measurements, error) {
	if strings.TrimSpace(indexType) == "" {
		return models.Measurements{}, ErrInvalidIndexType
	}
	q := pointQuery(point)
	q.Set("indexType", indexType)
	return c.getMeasurements(ctx, "measurements_point", q, "point")
}

func (c *Client) getMeasurements(ctx context.Context, endpoint string, q url.Values, path string) (models.Measurements, error) {
	m, err := getJSON[models.Measurements](ctx, c, endpoint, q, "measurements", path)
	if err != nil {
		return models.Measurements{}, err
	}
	m.FetchedAt = time.Now().UTC()
	return m, nil
}

// ValidateAPIKey makes one lightweight call (index metadata) without retries.
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var discard []models.IndexType
	err := c.callAPI(ctx, "validate", nil, &discard, "meta", "indexes")
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidAPIKey) {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	return fmt.Errorf("validation failed: %w", err)
}

// getJSON performs a GET with retries and decodes the body into T.
func getJSON[T any](ctx context.Context, c *Client, endpoint string, q url.Values, path ...string) (T, error) {
	var out T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBaseDelay
	bo.MaxInterval = c.retryMaxDelay
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retryAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			observability.AirlyAPIRetriesTotal.Inc()
		}
		attempt++
		callErr := c.guardedCall(ctx, endpoint, q, &out, path...)
		if callErr != nil && !IsRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, policy)
	if err != nil {
		observability.AirlyAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		var zero T
		if attempt > 1 && IsRetryable(err) {
			return zero, fmt.Errorf("exhausted retries: %w", err)
		}
		return zero, err
	}
	return out, nil
}

func (c *Client) guardedCall(ctx context.Context, endpoint string, q url.Values, out interface{}, path ...string) error {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, q, out, path...)
	}
	return c.breaker.Call(ctx, func() error {
		return c.callAPI(ctx, endpoint, q, out, path...)
	})
}

func (c *Client) callAPI(ctx context.Context, endpoint string, q url.Values, out interface{}, path ...string) error {
	if err := c.wait(ctx); err != nil {
		return fmt.Errorf("outbound limiter: %w", err)
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, q, path...)
	if err != nil {
		observability.AirlyAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.AirlyAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.AirlyAPIDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.AirlyAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.AirlyAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	c.recordQuota(resp.Header)

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if c.limiter.Tokens() < 1 {
		observability.AirlyOutboundThrottledTotal.Inc()
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) buildRequest(ctx context.Context, q url.Values, path ...string) (*http.Request, error) {
	u := c.baseURL.JoinPath(path...)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("apikey", c.apiKey)
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// airlyErrorBody is the error envelope Airly returns on 4xx/5xx.
type airlyErrorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.kind = ErrInvalidAPIKey
	case resp.StatusCode == http.StatusNotFound:
		apiErr.kind = ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.kind = ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		apiErr.kind = ErrBadRequest
	default:
		apiErr.kind = ErrUpstreamFailure
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body airlyErrorBody
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.ErrorCode
		apiErr.Message = body.Message
	}
	return apiErr
}

func (c *Client) recordQuota(h http.Header) {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	set := func(header, period string, dst *int, gauge func(string, float64)) {
		v := h.Get(header)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return
		}
		*dst = n
		gauge(period, float64(n))
	}
	remaining := func(p string, v float64) { observability.AirlyQuotaRemaining.WithLabelValues(p).Set(v) }
	limit := func(p string, v float64) { observability.AirlyQuotaLimit.WithLabelValues(p).Set(v) }
	set("X-RateLimit-Limit-day", "day", &c.quota.DayLimit, limit)
	set("X-RateLimit-Remaining-day", "day", &c.quota.DayRemaining, remaining)
	set("X-RateLimit-Limit-minute", "minute", &c.quota.MinuteLimit, limit)
	set("X-RateLimit-Remaining-minute", "minute", &c.quota.MinuteRemaining, remaining)
}

// IsRetryable reports whether err is worth another attempt: 429, 5xx, timeouts and
// connection-level network failures. TLS verification, bad URLs and unknown hosts are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBadRequest) || errors.Is(err, ErrInvalidIndexType) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func circleQuery(circle models.GeoCircle) url.Values {
	q := pointQuery(circle.Point)
	q.Set("maxDistanceKM", formatFloat(circle.RadiusKM))
	return q
}

func pointQuery(p models.GeoPoint) url.Values {
	q := url.Values{}
	q.Set("lat", formatFloat(p.Latitude))
	q.Set("lng", formatFloat(p.Longitude))
	return q
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
