package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/config"
	"github.com/kjstillabower/weather-proxy-service/internal/database"
	httphandler "github.com/kjstillabower/weather-proxy-service/internal/http"
	"github.com/kjstillabower/weather-proxy-service/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy-service/internal/locations"
	"github.com/kjstillabower/weather-proxy-service/internal/mockdata"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
)

const breakerComponent = "weather_api"

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

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}
	if err := locations.Migrate(db); err != nil {
		logger.Fatal("locations migration", zap.Error(err))
	}
	repo := locations.NewRepository(db)

	store, closeStore, err := openStore(cfg, db)
	if err != nil {
		logger.Fatal("cache store", zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend))

	weatherClient, breakerState, err := newWeatherClient(cfg, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.MockMode() {
		logger.Warn("no weather API key configured; serving mock data")
	}

	weatherService := service.NewWeatherService(
		service.Config{UpstreamEnabled: !cfg.MockMode()},
		weatherClient,
		store,
		mockdata.New(nil),
	)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		DatabasePing:     repo.Ping,
		BreakerState:     breakerState,
		StartTime:        time.Now(),
	}
	if p, ok := store.(cache.Pinger); ok {
		healthConfig.CachePing = p.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weatherService, repo, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:            logger,
		Limiter:           limiter,
		RequestTimeout:    cfg.RequestTimeout,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
	})

	warmCtx, warmCancel := context.WithCancel(context.Background())
	defer warmCancel()
	var warmer *cache.CacheWarmer
	if cfg.WarmEnabled && !cfg.MockMode() {
		warmer = cache.NewCacheWarmer(weatherService, logger)
		if err := warmer.Start(warmCtx, cfg.WarmCoordinates, cfg.WarmUnits, cfg.WarmInterval); err != nil {
			logger.Error("cache warming", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.Bool("mock_mode", cfg.MockMode()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if warmer != nil {
		warmer.Stop()
	}
	warmCancel()

	if closeStore != nil {
		if err := closeStore(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	if err := database.Close(db); err != nil {
		logger.Error("database close", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Duration("drain", lifecycle.DrainDuration()))
}

// openStore builds the configured cache backend. The returned close func is nil when the
// backend holds no resources of its own.
func openStore(cfg *config.Config, db *gorm.DB) (cache.Store, func() error, error) {
	switch cfg.CacheBackend {
	case config.BackendInMemory:
		return cache.NewMemoryStore(nil), nil, nil
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, nil)
		if err != nil {
			return nil, nil, err
		}
		return mc, mc.Close, nil
	case config.BackendSQL:
		if err := cache.MigrateSQL(db); err != nil {
			return nil, nil, fmt.Errorf("cache migration: %w", err)
		}
		return cache.NewSQLStore(db, nil), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// newWeatherClient returns a nil client in mock mode. The state func reports the circuit
// breaker state and is nil when the breaker is disabled or no client exists.
func newWeatherClient(cfg *config.Config, logger *zap.Logger) (client.WeatherClient, func() string, error) {
	if cfg.MockMode() {
		return nil, nil, nil
	}
	c, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.GeoAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.CircuitBreakerEnabled {
		return c, nil, nil
	}
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        breakerComponent,
		OnStateChange: func(from, to string) {
			logger.Warn("circuit breaker state change",
				zap.String("component", breakerComponent),
				zap.String("from", from),
				zap.String("to", to))
			observability.SetCircuitBreakerState(breakerComponent, to)
		},
		IsFailure: client.IsBreakerFailure,
	})
	c.SetCircuitBreaker(cb)
	observability.SetCircuitBreakerState(breakerComponent, cb.State())
	logger.Info("circuit breaker enabled",
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return c, cb.State, nil
}
