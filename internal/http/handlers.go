package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy-service/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy-service/internal/locations"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
	"github.com/kjstillabower/weather-proxy-service/internal/traffic"
	"github.com/kjstillabower/weather-proxy-service/internal/validation"
)

// SourceHeader reports where a weather response body came from.
const SourceHeader = "X-Weather-Source"

// LocationStore persists saved locations and search history.
type LocationStore interface {
	List(ctx context.Context) ([]models.SavedLocation, error)
	Create(ctx context.Context, loc *models.SavedLocation) error
	Update(ctx context.Context, id uint, u locations.Update) (models.SavedLocation, error)
	Delete(ctx context.Context, id uint) error
	RecentSearches(ctx context.Context, limit int) ([]models.SearchHistory, error)
	RecordSearch(ctx context.Context, h *models.SearchHistory) error
}

// HealthConfig holds dependency checks and thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache store reachability.
	CachePing func(ctx context.Context) error
	// DatabasePing, when set, is called to check the locations database.
	DatabasePing func(ctx context.Context) error
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() string
	StartTime    time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	locations        LocationStore
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	weatherService *service.WeatherService,
	locationStore LocationStore,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		locations:      locationStore,
		healthConfig:   healthConfig,
		logger:         logger,
	}
}

// GetCurrentWeather handles GET /api/weather/current.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	lat, lon, units, err := validation.ParseWeatherQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	h.writeResult(w, h.weatherService.CurrentWeather(r.Context(), lat, lon, units))
}

// GetForecast handles GET /api/weather/forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	lat, lon, units, err := validation.ParseWeatherQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	h.writeResult(w, h.weatherService.Forecast(r.Context(), lat, lon, units))
}

// GetGeocode handles GET /api/weather/geocode.
func (h *Handler) GetGeocode(w http.ResponseWriter, r *http.Request) {
	query, limit, err := validation.ParseGeocodeQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	h.writeResult(w, h.weatherService.Geocode(r.Context(), query, limit))
}

// GetReverseGeocode handles GET /api/weather/reverse-geocode.
func (h *Handler) GetReverseGeocode(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := validation.ParseCoordinates(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	h.writeResult(w, h.weatherService.ReverseGeocode(r.Context(), lat, lon))
}

// writeResult writes an orchestrator result. Weather responses are always 200; upstream
// failures are visible in the body and the source header.
func (h *Handler) writeResult(w http.ResponseWriter, res service.Result) {
	if res.Err != nil {
		traffic.RecordError()
	} else {
		traffic.RecordSuccess()
	}
	w.Header().Set(SourceHeader, string(res.Source))
	writeRawJSON(w, http.StatusOK, res.Body)
}

// ListLocations handles GET /api/locations.
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.locations.List(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if locs == nil {
		locs = []models.SavedLocation{}
	}
	writeJSON(w, http.StatusOK, locs)
}

// CreateLocation handles POST /api/locations.
func (h *Handler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var in validation.LocationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", validation.ErrLocationFields.Error())
		return
	}
	if err := validation.ValidateLocationInput(in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	loc := models.SavedLocation{
		Name:      strings.TrimSpace(in.Name),
		Latitude:  *in.Latitude,
		Longitude: *in.Longitude,
		Country:   in.Country,
		State:     in.State,
		IsDefault: in.IsDefault,
	}
	if err := h.locations.Create(r.Context(), &loc); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

// UpdateLocation handles PUT /api/locations/{id}. Absent fields are left unchanged.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := locationID(w, r)
	if !ok {
		return
	}
	var u locations.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be a JSON object")
		return
	}
	if err := validation.ValidateStruct(u); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	loc, err := h.locations.Update(r.Context(), id, u)
	if errors.Is(err, locations.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Location not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// DeleteLocation handles DELETE /api/locations/{id}.
func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := locationID(w, r)
	if !ok {
		return
	}
	err := h.locations.Delete(r.Context(), id)
	if errors.Is(err, locations.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Location not found")
		return
	}
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Location deleted"})
}

// GetSearchHistory handles GET /api/locations/search-history.
func (h *Handler) GetSearchHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.locations.RecentSearches(r.Context(), validation.ParseHistoryLimit(r.URL.Query()))
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if history == nil {
		history = []models.SearchHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

// RecordSearch handles POST /api/locations/search-history.
func (h *Handler) RecordSearch(w http.ResponseWriter, r *http.Request) {
	var in validation.SearchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", validation.ErrSearchQueryRequired.Error())
		return
	}
	if err := validation.ValidateSearchInput(in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
		return
	}
	entry := models.SearchHistory{
		Query:      strings.TrimSpace(in.Query),
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		ResultName: in.ResultName,
	}
	if err := h.locations.RecordSearch(r.Context(), &entry); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func locationID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Location not found")
		return 0, false
	}
	return uint(id), true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	mode := "mock"
	if h.weatherService.UpstreamEnabled() {
		mode = "live"
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"mode":      mode,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptimeSeconds"] = int64(time.Since(h.healthConfig.StartTime).Seconds())
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > unreachable dependency > open breaker > upstream error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if !h.weatherService.UpstreamEnabled() {
		checks["weatherApi"] = "disabled"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	reason := ""
	if h.healthConfig.CachePing != nil {
		checks["cache"] = pingStatus(ctx, h.healthConfig.CachePing)
		if checks["cache"] != "healthy" {
			reason = "cache_unreachable"
		}
	}
	if h.healthConfig.DatabasePing != nil {
		checks["database"] = pingStatus(ctx, h.healthConfig.DatabasePing)
		if checks["database"] != "healthy" && reason == "" {
			reason = "database_unreachable"
		}
	}
	if h.healthConfig.BreakerState != nil {
		state := h.healthConfig.BreakerState()
		checks["circuitBreaker"] = state
		if state == "open" && reason == "" {
			checks["weatherApi"] = "unhealthy"
			reason = "circuit_open"
		}
	}
	if reason == "" && traffic.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		checks["weatherApi"] = "unhealthy"
		reason = "error_rate_breach"
	}
	if reason != "" {
		return healthResult{"degraded", http.StatusServiceUnavailable, reason, checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

func pingStatus(ctx context.Context, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := ping(ctx); err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-encoded JSON document.
func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func correlationID(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}

// writeInternalError logs err and writes a 500 without exposing it.
func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}
