package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// RouterConfig configures the middleware chain built by NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter applies to /api routes other than health. Nil disables rate limiting.
	Limiter           *rate.Limiter
	RequestTimeout    time.Duration
	CORSAllowedOrigin string
}

// NewRouter registers every route of h and wraps the router with CORS.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/api/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}

	api.HandleFunc("/weather/current", h.GetCurrentWeather).Methods(http.MethodGet)
	api.HandleFunc("/weather/forecast", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/weather/geocode", h.GetGeocode).Methods(http.MethodGet)
	api.HandleFunc("/weather/reverse-geocode", h.GetReverseGeocode).Methods(http.MethodGet)

	api.HandleFunc("/locations", h.ListLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations", h.CreateLocation).Methods(http.MethodPost)
	api.HandleFunc("/locations/search-history", h.GetSearchHistory).Methods(http.MethodGet)
	api.HandleFunc("/locations/search-history", h.RecordSearch).Methods(http.MethodPost)
	api.HandleFunc("/locations/{id:[0-9]+}", h.UpdateLocation).Methods(http.MethodPut)
	api.HandleFunc("/locations/{id:[0-9]+}", h.DeleteLocation).Methods(http.MethodDelete)

	return CORSMiddleware(cfg.CORSAllowedOrigin)(router)
}
