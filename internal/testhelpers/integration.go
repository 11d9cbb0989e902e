//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/database"
	"github.com/kjstillabower/weather-proxy-service/internal/locations"
	"github.com/kjstillabower/weather-proxy-service/internal/mockdata"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	DataURL       string
	GeoURL        string
	CacheBackend  string // "sql", "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		DataURL:       os.Getenv("WEATHER_API_URL"),
		GeoURL:        os.Getenv("WEATHER_GEO_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationStore opens the configured cache store. The SQL backend uses a sqlite
// file in a temp dir; an unreachable memcached falls back to the in-memory store.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) cache.Store {
	t.Helper()
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2, nil)
		if err == nil && mc.Ping(t.Context()) == nil {
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using memcached store at %s", cfg.MemcachedAddr)
			return mc
		}
		t.Logf("memcached not available, using in-memory store")
		return cache.NewMemoryStore(nil)
	case "in_memory":
		return cache.NewMemoryStore(nil)
	default:
		db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "weather.db"), nil)
		if err != nil {
			t.Fatalf("database.Open() error = %v", err)
		}
		t.Cleanup(func() { _ = database.Close(db) })
		if err := cache.MigrateSQL(db); err != nil {
			t.Fatalf("MigrateSQL() error = %v", err)
		}
		if err := locations.Migrate(db); err != nil {
			t.Fatalf("locations.Migrate() error = %v", err)
		}
		return cache.NewSQLStore(db, nil)
	}
}

// SetupIntegrationClient creates a live weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.DataURL, cfg.GeoURL, 10*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationService wires a live client and the configured store into a service.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, cache.Store) {
	t.Helper()
	store := SetupIntegrationStore(t, cfg)
	svc := service.NewWeatherService(
		service.Config{UpstreamEnabled: true},
		SetupIntegrationClient(t, cfg),
		store,
		mockdata.New(nil),
	)
	return svc, store
}
