package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kjstillabower/weather-proxy-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

const (
	DefaultDataURL = "https://api.openweathermap.org/data/2.5"
	DefaultGeoURL  = "https://api.openweathermap.org/geo/1.0"
	DefaultTimeout = 10 * time.Second

	defaultGeocodeLimit = 5
	maxBodyBytes        = 4 << 20
	tracerName          = "github.com/kjstillabower/weather-proxy-service/internal/client"
)

// Operation names used for metric labels and span names.
const (
	OpCurrentWeather = "current"
	OpForecast       = "forecast"
	OpGeocode        = "geocode"
	OpReverseGeocode = "reverse_geocode"
)

// WeatherClient fetches raw upstream documents. Bodies are returned verbatim.
type WeatherClient interface {
	CurrentWeather(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error)
	Forecast(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error)
	Geocode(ctx context.Context, query string, limit int) (json.RawMessage, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (json.RawMessage, error)
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrNotFound          = errors.New("not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrTimeout           = errors.New("upstream request timed out")
	ErrTransport         = errors.New("upstream transport failure")
)

// OpenWeatherClient calls the OpenWeatherMap data and geocoding APIs. Each call is a
// single attempt bounded by the client timeout. Caller cancellation does not abort a
// request that has already been issued.
type OpenWeatherClient struct {
	apiKey  string
	dataURL string
	geoURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	tracer  trace.Tracer
}

// NewOpenWeatherClient creates a client. Empty URLs and a non-positive timeout fall
// back to the public endpoints and DefaultTimeout.
func NewOpenWeatherClient(apiKey, dataURL, geoURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if dataURL == "" {
		dataURL = DefaultDataURL
	}
	if geoURL == "" {
		geoURL = DefaultGeoURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		dataURL: strings.TrimRight(dataURL, "/"),
		geoURL:  strings.TrimRight(geoURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// SetCircuitBreaker enables the circuit breaker for upstream calls. Call before serving.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// IsBreakerFailure reports whether err should count against the circuit breaker.
// Lookups that legitimately miss do not indicate an unhealthy upstream.
func IsBreakerFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

// CurrentWeather implements WeatherClient.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
	return c.get(ctx, OpCurrentWeather, c.dataURL+"/weather", coordParams(lat, lon, units))
}

// Forecast implements WeatherClient.
func (c *OpenWeatherClient) Forecast(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
	return c.get(ctx, OpForecast, c.dataURL+"/forecast", coordParams(lat, lon, units))
}

// Geocode implements WeatherClient. A non-positive limit uses 5.
func (c *OpenWeatherClient) Geocode(ctx context.Context, query string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = defaultGeocodeLimit
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))
	return c.get(ctx, OpGeocode, c.geoURL+"/direct", params)
}

// ReverseGeocode implements WeatherClient.
func (c *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64) (json.RawMessage, error) {
	params := coordParams(lat, lon, "")
	params.Set("limit", "1")
	return c.get(ctx, OpReverseGeocode, c.geoURL+"/reverse", params)
}

func coordParams(lat, lon float64, units string) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	if units != "" {
		params.Set("units", units)
	}
	return params
}

// get performs one upstream call with tracing, metrics and the optional breaker.
func (c *OpenWeatherClient) get(ctx context.Context, operation, endpoint string, params url.Values) (json.RawMessage, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "openweather."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("weather.operation", operation)),
	)
	defer span.End()

	start := time.Now()
	var body json.RawMessage
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, func() error {
			var callErr error
			body, callErr = c.do(ctx, endpoint, params)
			return callErr
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
	} else {
		body, err = c.do(ctx, endpoint, params)
	}

	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
		observability.WeatherAPIErrorsTotal.WithLabelValues(operation, string(CategorizeError(err))).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.WeatherAPICallsTotal.WithLabelValues(operation, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(operation, status).Observe(duration)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *OpenWeatherClient) do(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		msg := c.redact(err.Error())
		var urlErr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransport, msg)
	}
	defer resp.Body.Close()

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: reading response body", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: read response body: %s", ErrTransport, c.redact(err.Error()))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}
	return json.RawMessage(raw), nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid API URL: %s", ErrTransport, err)
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %s", ErrTransport, c.redact(err.Error()))
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// redact removes the API key from messages that embed the request URL.
func (c *OpenWeatherClient) redact(msg string) string {
	msg = strings.ReplaceAll(msg, c.apiKey, "REDACTED")
	if escaped := url.QueryEscape(c.apiKey); escaped != c.apiKey {
		msg = strings.ReplaceAll(msg, escaped, "REDACTED")
	}
	return msg
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: upstream returned HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: upstream returned HTTP 404", ErrNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: upstream returned HTTP 429", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}
