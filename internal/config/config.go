package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/database"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

// Cache backends.
const (
	BackendSQL       = "sql"
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	// WeatherAPIKey is empty in mock-only mode.
	WeatherAPIKey     string
	WeatherAPIURL     string
	GeoAPIURL         string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend          string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	WarmEnabled     bool
	WarmInterval    time.Duration
	WarmUnits       string
	WarmCoordinates []models.Coordinate

	DatabaseURL    string
	DatabaseDriver string
	DatabaseDSN    string

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	CORSAllowedOrigin string
}

// MockMode reports whether no upstream credential is configured.
func (c *Config) MockMode() bool {
	return c.WeatherAPIKey == ""
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Enabled     bool                `yaml:"enabled"`
			Interval    string              `yaml:"interval"`
			Units       string              `yaml:"units"`
			Coordinates []models.Coordinate `yaml:"coordinates"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	CORS struct {
		AllowedOrigin string `yaml:"allowed_origin"`
	} `yaml:"cors"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml,
// after loading an optional .env file. The API key comes from WEATHER_API_KEY,
// OPENWEATHERMAP_API_KEY or the secrets file; without one the service runs on mock data.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(cwd, "config", env+".yaml")
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

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), os.Getenv("OPENWEATHERMAP_API_KEY"))
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}

	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, client.DefaultDataURL)
	cfg.GeoAPIURL = firstNonEmpty(fc.WeatherAPI.GeoURL, client.DefaultGeoURL)
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, client.DefaultTimeout)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendSQL
	}
	cfg.MemcachedAddrs = firstNonEmpty(
		strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")),
		strings.TrimSpace(fc.Cache.Memcached.Addrs),
		"localhost:11211",
	)
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.WarmEnabled = fc.Cache.Warm.Enabled
	cfg.WarmInterval = parseDuration(fc.Cache.Warm.Interval, 15*time.Minute)
	cfg.WarmUnits = strings.ToLower(firstNonEmpty(strings.TrimSpace(fc.Cache.Warm.Units), "metric"))
	cfg.WarmCoordinates = fc.Cache.Warm.Coordinates

	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), fc.Database.URL, database.DefaultURL)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.CORSAllowedOrigin = firstNonEmpty(strings.TrimSpace(fc.CORS.AllowedOrigin), "*")

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
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
// Returns zero or negative durations as-is (caller should handle fallback).
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

// validate performs post-load validation of configuration values.
// Ensures WeatherAPITimeout is positive, RequestTimeout > WeatherAPITimeout, the cache
// backend is known and the database URL parses. Resolves DatabaseDriver and DatabaseDSN.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case BackendSQL, BackendInMemory, BackendMemcached:
	default:
		return fmt.Errorf("cache.backend must be sql, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.WarmUnits {
	case "metric", "imperial", "standard":
	default:
		return fmt.Errorf("cache.warm.units must be metric, imperial or standard, got %q", cfg.WarmUnits)
	}
	driver, dsn, err := database.ParseURL(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database.url: %w", err)
	}
	cfg.DatabaseDriver = driver
	cfg.DatabaseDSN = dsn
	return nil
}
