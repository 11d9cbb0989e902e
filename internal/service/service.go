package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/mockdata"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// Source tells where a response body came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
	SourceMock     Source = "mock"
	// SourceFallback marks an upstream failure reported alongside mock data.
	SourceFallback Source = "fallback"
)

// Result is the outcome of one orchestrated operation. Body is always usable JSON.
// Err carries the upstream failure, if any, whether surfaced in Body or absorbed.
type Result struct {
	Body   json.RawMessage
	Source Source
	Err    error
}

// Config controls orchestration. UpstreamEnabled is true iff a credential is configured;
// when false the client is never called.
type Config struct {
	UpstreamEnabled bool
}

// WeatherService orchestrates the geo-cache, the upstream client and the mock
// generator. It never returns a Go error: every path yields a usable body.
type WeatherService struct {
	cfg    Config
	client client.WeatherClient
	store  cache.Store
	mock   *mockdata.Generator
	misses *missTracker
}

// NewWeatherService creates a WeatherService. client may be nil when upstream is disabled.
func NewWeatherService(cfg Config, c client.WeatherClient, store cache.Store, gen *mockdata.Generator) *WeatherService {
	if gen == nil {
		gen = mockdata.New(nil)
	}
	if c == nil {
		cfg.UpstreamEnabled = false
	}
	return &WeatherService{
		cfg:    cfg,
		client: c,
		store:  store,
		mock:   gen,
		misses: newMissTracker(),
	}
}

// UpstreamEnabled reports whether live upstream calls are made.
func (s *WeatherService) UpstreamEnabled() bool {
	return s.cfg.UpstreamEnabled
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns a no-op logger otherwise.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// cachedKind describes one cached payload: how to read it from an entry, write it
// back, fetch it and synthesize it.
type cachedKind struct {
	name      string
	operation string
	pick      func(models.CacheEntry) json.RawMessage
	payloads  func(json.RawMessage) cache.Payloads
	fetch     func(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error)
	mock      func(lat, lon float64) interface{}
}

func (s *WeatherService) currentKind() cachedKind {
	return cachedKind{
		name:      "weather",
		operation: client.OpCurrentWeather,
		pick:      func(e models.CacheEntry) json.RawMessage { return e.WeatherPayload },
		payloads:  func(b json.RawMessage) cache.Payloads { return cache.Payloads{Weather: b} },
		fetch: func(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
			return s.client.CurrentWeather(ctx, lat, lon, units)
		},
		mock: func(lat, lon float64) interface{} { return s.mock.CurrentWeather(lat, lon) },
	}
}

func (s *WeatherService) forecastKind() cachedKind {
	return cachedKind{
		name:      "forecast",
		operation: client.OpForecast,
		pick:      func(e models.CacheEntry) json.RawMessage { return e.ForecastPayload },
		payloads:  func(b json.RawMessage) cache.Payloads { return cache.Payloads{Forecast: b} },
		fetch: func(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
			return s.client.Forecast(ctx, lat, lon, units)
		},
		mock: func(lat, lon float64) interface{} { return s.mock.Forecast(lat, lon) },
	}
}

// CurrentWeather returns current conditions for the bucket around (lat, lon).
// Units are passed upstream but are not part of the cache key.
func (s *WeatherService) CurrentWeather(ctx context.Context, lat, lon float64, units string) Result {
	return s.cached(ctx, s.currentKind(), lat, lon, units)
}

// Forecast returns the 5-day/3-hour forecast for the bucket around (lat, lon).
func (s *WeatherService) Forecast(ctx context.Context, lat, lon float64, units string) Result {
	return s.cached(ctx, s.forecastKind(), lat, lon, units)
}

// cached runs the cache-aside flow shared by current weather and forecast.
func (s *WeatherService) cached(ctx context.Context, kind cachedKind, lat, lon float64, units string) Result {
	start := time.Now()
	logger := loggerFromContext(ctx).With(
		zap.String("payload", kind.name),
		zap.Float64("lat", lat),
		zap.Float64("lon", lon),
	)

	if body, ok := s.lookup(ctx, logger, kind, lat, lon); ok {
		logger.Debug("weather served", zap.String("source", string(SourceCache)), zap.Duration("duration", time.Since(start)))
		return Result{Body: body, Source: SourceCache}
	}

	if !s.cfg.UpstreamEnabled {
		observability.MockResponsesTotal.WithLabelValues(kind.operation, "no_credential").Inc()
		return Result{Body: marshalMock(kind.mock(lat, lon)), Source: SourceMock}
	}

	key := kind.name + ":" + cache.BucketKey(lat, lon)
	concurrent, done := s.misses.begin(key)
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		logger.Debug("concurrent cache miss", zap.Int("in_flight", concurrent))
	}
	body, err := kind.fetch(ctx, lat, lon, units)
	done()

	if err != nil {
		observability.MockResponsesTotal.WithLabelValues(kind.operation, "upstream_failure").Inc()
		logger.Warn("upstream fetch failed, serving fallback",
			zap.Error(err),
			zap.String("category", string(client.CategorizeError(err))),
		)
		fb, mErr := json.Marshal(models.FallbackResult{
			Error:    err.Error(),
			Fallback: marshalMock(kind.mock(lat, lon)),
		})
		if mErr != nil {
			fb = []byte(`{"error":"upstream failure","fallback":null}`)
		}
		return Result{Body: fb, Source: SourceFallback, Err: err}
	}

	s.upsert(ctx, logger, kind, lat, lon, body)
	logger.Debug("weather served", zap.String("source", string(SourceUpstream)), zap.Duration("duration", time.Since(start)))
	return Result{Body: body, Source: SourceUpstream}
}

// lookup returns the cached payload when present. Store errors count as a miss.
func (s *WeatherService) lookup(ctx context.Context, logger *zap.Logger, kind cachedKind, lat, lon float64) (json.RawMessage, bool) {
	opStart := time.Now()
	entry, ok, err := s.store.Lookup(ctx, lat, lon)
	duration := time.Since(opStart).Seconds()
	if err != nil {
		observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "error").Observe(duration)
		observability.CacheLookupsTotal.WithLabelValues(kind.name, "error").Inc()
		logger.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("lookup", "success").Observe(duration)
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues(kind.name, "miss").Inc()
		return nil, false
	}
	body := kind.pick(entry)
	if !present(body) {
		observability.CacheLookupsTotal.WithLabelValues(kind.name, "miss").Inc()
		return nil, false
	}
	observability.CacheLookupsTotal.WithLabelValues(kind.name, "hit").Inc()
	logger.Debug("cache hit", zap.Uint64("entry_id", entry.ID))
	return body, true
}

// upsert stores body; failures are logged and counted, never returned.
func (s *WeatherService) upsert(ctx context.Context, logger *zap.Logger, kind cachedKind, lat, lon float64, body json.RawMessage) {
	opStart := time.Now()
	_, err := s.store.Upsert(ctx, lat, lon, kind.payloads(body))
	duration := time.Since(opStart).Seconds()
	if err != nil {
		observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "error").Observe(duration)
		observability.CacheWritesTotal.WithLabelValues(kind.name, "error").Inc()
		logger.Warn("cache upsert failed", zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("upsert", "success").Observe(duration)
	observability.CacheWritesTotal.WithLabelValues(kind.name, "success").Inc()
}

// Geocode resolves a place name. Results are not cached; any failure yields the
// mock gazetteer result.
func (s *WeatherService) Geocode(ctx context.Context, query string, limit int) Result {
	query = strings.TrimSpace(query)
	if !s.cfg.UpstreamEnabled {
		observability.MockResponsesTotal.WithLabelValues(client.OpGeocode, "no_credential").Inc()
		return Result{Body: marshalMock(s.mock.Geocode(query)), Source: SourceMock}
	}
	body, err := s.client.Geocode(ctx, query, limit)
	if err != nil {
		observability.MockResponsesTotal.WithLabelValues(client.OpGeocode, "upstream_failure").Inc()
		loggerFromContext(ctx).Warn("geocode failed, serving mock", zap.String("query", query), zap.Error(err))
		return Result{Body: marshalMock(s.mock.Geocode(query)), Source: SourceMock, Err: err}
	}
	return Result{Body: body, Source: SourceUpstream}
}

// ReverseGeocode names the place at (lat, lon). Results are not cached; any failure
// yields a single "Unknown" place.
func (s *WeatherService) ReverseGeocode(ctx context.Context, lat, lon float64) Result {
	if !s.cfg.UpstreamEnabled {
		observability.MockResponsesTotal.WithLabelValues(client.OpReverseGeocode, "no_credential").Inc()
		return Result{Body: marshalMock(s.mock.ReverseGeocode(lat, lon)), Source: SourceMock}
	}
	body, err := s.client.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		observability.MockResponsesTotal.WithLabelValues(client.OpReverseGeocode, "upstream_failure").Inc()
		loggerFromContext(ctx).Warn("reverse geocode failed, serving mock",
			zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
		return Result{Body: marshalMock(s.mock.ReverseGeocode(lat, lon)), Source: SourceMock, Err: err}
	}
	return Result{Body: body, Source: SourceUpstream}
}

// WarmCurrentWeather runs the current-weather flow and reports an upstream failure.
func (s *WeatherService) WarmCurrentWeather(ctx context.Context, lat, lon float64, units string) error {
	if r := s.CurrentWeather(ctx, lat, lon, units); r.Source == SourceFallback {
		return r.Err
	}
	return nil
}

// WarmForecast runs the forecast flow and reports an upstream failure.
func (s *WeatherService) WarmForecast(ctx context.Context, lat, lon float64, units string) error {
	if r := s.Forecast(ctx, lat, lon, units); r.Source == SourceFallback {
		return r.Err
	}
	return nil
}

// present reports whether a stored payload holds a document.
func present(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) > 0 && !bytes.Equal(t, []byte("null"))
}

func marshalMock(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
