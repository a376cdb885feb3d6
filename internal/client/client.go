// Package client fetches location and weather reports for one station from the aprs.fi API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/balloon-tracker-service/internal/circuitbreaker"
	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/validation"
)

// Fetcher is the read side of aprs.fi the sync loop depends on.
type Fetcher interface {
	FetchLocation(ctx context.Context) ([]models.LocationReport, error)
	FetchWeather(ctx context.Context) ([]models.WeatherReport, error)
}

var (
	// ErrTransport covers network failures and non-2xx responses.
	ErrTransport = errors.New("aprs transport error")
	// ErrValidation means the response body did not match the expected schema.
	ErrValidation = errors.New("aprs response validation failed")

	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

const (
	whatLocation = "loc"
	whatWeather  = "wx"
)

// APRSClient calls https://api.aprs.fi/api/get for a single station.
type APRSClient struct {
	apiKey         string
	apiURL         string
	station        string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewAPRSClient returns a client with three attempts and 100ms..2s backoff.
func NewAPRSClient(apiKey, apiURL, station string, timeout time.Duration) (*APRSClient, error) {
	return NewAPRSClientWithRetry(apiKey, apiURL, station, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewAPRSClientWithRetry(apiKey, apiURL, station string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*APRSClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	name, err := validation.ValidateStation(station)
	if err != nil {
		return nil, fmt.Errorf("station %q: %w", station, err)
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &APRSClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		station:        name,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// WithCircuitBreaker guards every API call with cb. Returns c for chaining.
func (c *APRSClient) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *APRSClient {
	c.breaker = cb
	return c
}

// Station returns the validated station name the client queries.
func (c *APRSClient) Station() string {
	return c.station
}

// FetchLocation returns the station's latest position entries.
func (c *APRSClient) FetchLocation(ctx context.Context) ([]models.LocationReport, error) {
	body, err := c.get(ctx, whatLocation)
	if err != nil {
		return nil, err
	}
	return decodeLocation(body, c.station)
}

// FetchWeather returns the station's latest weather entries.
func (c *APRSClient) FetchWeather(ctx context.Context) ([]models.WeatherReport, error) {
	body, err := c.get(ctx, whatWeather)
	if err != nil {
		return nil, err
	}
	return decodeWeather(body, c.station)
}

// get performs the request with retries and returns the raw 2xx body.
func (c *APRSClient) get(ctx context.Context, what string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.APRSAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
			case <-time.After(delay):
			}
		}

		body, err := c.guardedCall(ctx, what)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *APRSClient) guardedCall(ctx context.Context, what string) ([]byte, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, what)
	}
	var body []byte
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		body, callErr = c.callAPI(ctx, what)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return body, err
}

func (c *APRSClient) callAPI(ctx context.Context, what string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, what)
	if err != nil {
		observability.APRSAPICallsTotal.WithLabelValues(what, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.APRSAPICallsTotal.WithLabelValues(what, "error").Inc()
		observability.APRSAPIDuration.WithLabelValues(what, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: http request failed: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.APRSAPICallsTotal.WithLabelValues(what, status).Inc()
	observability.APRSAPIDuration.WithLabelValues(what, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", ErrTransport, err)
	}
	return body, nil
}

// isRetryable reports whether another attempt could succeed. Validation failures, bad
// keys and an open circuit never are.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	var httpErr *StatusError
	if errors.As(err, &httpErr) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// isBreakerFailure reports whether err says the upstream is unhealthy. A body that fails
// schema checks came from a working server.
func isBreakerFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, context.Canceled)
}

// BreakerFailureFilter is the IsFailure func to configure the aprs_api circuit breaker with.
func BreakerFailureFilter() func(error) bool {
	return isBreakerFailure
}

func (c *APRSClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *APRSClient) buildRequest(ctx context.Context, what string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("name", c.station)
	params.Set("what", what)
	params.Set("apikey", c.apiKey)
	params.Set("format", "json")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", observability.ServiceName)
	return req, nil
}

// StatusError is a non-2xx response from aprs.fi.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrInvalidAPIKey, statusErr)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrRateLimited, statusErr)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrUpstreamFailure, statusErr)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, statusErr)
	}
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

// unmarshal decodes body into v, wrapping syntax errors as validation failures.
func unmarshal(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: parse response: %w", ErrValidation, err)
	}
	return nil
}
