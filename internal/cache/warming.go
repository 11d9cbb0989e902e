package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// warmConcurrency bounds upstream calls issued by one warming run.
const warmConcurrency = 4

// WeatherFetcher is implemented by the service layer. Each call goes through the
// normal cache-aside flow and reports an upstream failure as an error.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type WeatherFetcher interface {
	WarmCurrentWeather(ctx context.Context, lat, lon float64, units string) error
	WarmForecast(ctx context.Context, lat, lon float64, units string) error
}

// CacheWarmer keeps a fixed set of buckets populated.
type CacheWarmer struct {
	fetcher   WeatherFetcher
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches current weather and forecast for each coordinate concurrently.
// Every failure is collected; the returned error lists all of them.
func (w *CacheWarmer) Warm(ctx context.Context, coords []models.Coordinate, units string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("coordinates", len(coords)))

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	record := func(err error) {
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, c := range coords {
		c := c
		g.Go(func() error {
			if err := w.fetcher.WarmCurrentWeather(gCtx, c.Latitude, c.Longitude, units); err != nil {
				record(fmt.Errorf("warm current %.4f,%.4f: %w", c.Latitude, c.Longitude, err))
			}
			if err := w.fetcher.WarmForecast(gCtx, c.Latitude, c.Longitude, units); err != nil {
				record(fmt.Errorf("warm forecast %.4f,%.4f: %w", c.Latitude, c.Longitude, err))
			}
			// Failures stay isolated per coordinate.
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	err := result.ErrorOrNil()
	failures := 0
	if result != nil {
		failures = len(result.Errors)
	}
	w.logger.Info("cache warming complete",
		zap.Int("coordinates", len(coords)),
		zap.Int("errors", failures),
		zap.Float64("duration_seconds", duration),
	)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	return nil
}

// Start schedules Warm every interval, running once immediately. ctx bounds each run.
func (w *CacheWarmer) Start(ctx context.Context, coords []models.Coordinate, units string, interval time.Duration) error {
	if len(coords) == 0 {
		w.logger.Info("cache warming: no coordinates configured; nothing to schedule")
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).Do(func() {
		if err := w.Warm(ctx, coords, units); err != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	w.scheduler = s
	s.StartAsync()
	return nil
}

// Stop cancels future warming runs.
func (w *CacheWarmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}
