package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy-service/internal/locations"
	"github.com/kjstillabower/weather-proxy-service/internal/mockdata"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
	"github.com/kjstillabower/weather-proxy-service/internal/traffic"
)

type mockWeatherClient struct {
	mu    sync.Mutex
	calls int
	body  json.RawMessage
	err   error
}

func (m *mockWeatherClient) respond() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.body, m.err
}

func (m *mockWeatherClient) CurrentWeather(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
	return m.respond()
}

func (m *mockWeatherClient) Forecast(ctx context.Context, lat, lon float64, units string) (json.RawMessage, error) {
	return m.respond()
}

func (m *mockWeatherClient) Geocode(ctx context.Context, query string, limit int) (json.RawMessage, error) {
	return m.respond()
}

func (m *mockWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64) (json.RawMessage, error) {
	return m.respond()
}

// failingLocations fails every call, like a database that went away.
type failingLocations struct{}

var errDatabaseDown = errors.New("database is down")

func (failingLocations) List(ctx context.Context) ([]models.SavedLocation, error) {
	return nil, errDatabaseDown
}
func (failingLocations) Create(ctx context.Context, loc *models.SavedLocation) error {
	return errDatabaseDown
}
func (failingLocations) Update(ctx context.Context, id uint, u locations.Update) (models.SavedLocation, error) {
	return models.SavedLocation{}, errDatabaseDown
}
func (failingLocations) Delete(ctx context.Context, id uint) error { return errDatabaseDown }
func (failingLocations) RecentSearches(ctx context.Context, limit int) ([]models.SearchHistory, error) {
	return nil, errDatabaseDown
}
func (failingLocations) RecordSearch(ctx context.Context, h *models.SearchHistory) error {
	return errDatabaseDown
}

func newTestLocations(t *testing.T) *locations.Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := locations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return locations.NewRepository(db)
}

// newTestService returns a service in live mode when c is non-nil, mock mode otherwise.
func newTestService(c client.WeatherClient) *service.WeatherService {
	gen := mockdata.New(func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) })
	return service.NewWeatherService(service.Config{UpstreamEnabled: c != nil}, c, cache.NewMemoryStore(nil), gen)
}

func newTestRouter(t *testing.T, c client.WeatherClient, store LocationStore, hc *HealthConfig) http.Handler {
	t.Helper()
	if store == nil {
		store = newTestLocations(t)
	}
	h := NewHandler(newTestService(c), store, hc, zap.NewNop())
	return NewRouter(h, RouterConfig{Logger: zap.NewNop(), RequestTimeout: 5 * time.Second})
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

func resetState(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
	})
}

func TestHandler_CurrentWeather_Upstream(t *testing.T) {
	resetState(t)
	body := json.RawMessage(`{"name":"London","main":{"temp":11.2}}`)
	c := &mockWeatherClient{body: body}
	router := newTestRouter(t, c, nil, nil)

	w := serve(router, http.MethodGet, "/api/weather/current?lat=51.5074&lon=-0.1278&units=imperial", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(SourceHeader); got != "upstream" {
		t.Errorf("%s = %q, want upstream", SourceHeader, got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Body.String() != string(body) {
		t.Errorf("body = %s, want upstream payload verbatim", w.Body.String())
	}

	again := serve(router, http.MethodGet, "/api/weather/current?lat=51.51&lon=-0.13", "")
	if got := again.Header().Get(SourceHeader); got != "cache" {
		t.Errorf("second %s = %q, want cache", SourceHeader, got)
	}
	if c.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", c.calls)
	}
}

func TestHandler_WeatherValidation(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)

	tests := []struct {
		name    string
		path    string
		wantMsg string
	}{
		{"current missing lat", "/api/weather/current?lon=1", "lat and lon parameters are required"},
		{"current bad lon", "/api/weather/current?lat=1&lon=abc", "lat and lon parameters are required"},
		{"forecast bad units", "/api/weather/forecast?lat=1&lon=2&units=kelvin", "units must be one of metric, imperial, standard"},
		{"geocode missing q", "/api/weather/geocode?q=%20%20", "q parameter is required"},
		{"reverse missing lon", "/api/weather/reverse-geocode?lat=1", "lat and lon parameters are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, tt.path, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			e := decodeError(t, w)
			if e.Error.Code != "INVALID_PARAMETERS" || e.Error.Message != tt.wantMsg {
				t.Errorf("error = %+v, want INVALID_PARAMETERS %q", e.Error, tt.wantMsg)
			}
			if e.Error.RequestID == "" || e.Error.RequestID != w.Header().Get("X-Correlation-ID") {
				t.Errorf("requestId = %q, want correlation id %q", e.Error.RequestID, w.Header().Get("X-Correlation-ID"))
			}
		})
	}
}

func TestHandler_UpstreamFailureReturnsFallback(t *testing.T) {
	resetState(t)
	c := &mockWeatherClient{err: fmt.Errorf("%w: context deadline exceeded", client.ErrTimeout)}
	router := newTestRouter(t, c, nil, nil)

	w := serve(router, http.MethodGet, "/api/weather/forecast?lat=48.8566&lon=2.3522", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(SourceHeader); got != "fallback" {
		t.Errorf("%s = %q, want fallback", SourceHeader, got)
	}
	var body struct {
		Error    string `json:"error"`
		Fallback struct {
			Mock bool `json:"_mock"`
		} `json:"fallback"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(body.Error, "timed out") || !body.Fallback.Mock {
		t.Errorf("body = %+v, want timeout error with mock fallback", body)
	}
	if errs, total := traffic.ErrorRate(time.Minute); errs != 1 || total != 1 {
		t.Errorf("traffic = (%d, %d), want (1, 1)", errs, total)
	}
}

func TestHandler_MockMode(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)

	t.Run("current", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/api/weather/current?lat=10&lon=20", "")
		var doc struct {
			Coord models.Coordinate `json:"coord"`
			Mock  bool              `json:"_mock"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if w.Header().Get(SourceHeader) != "mock" || !doc.Mock || doc.Coord.Latitude != 10 || doc.Coord.Longitude != 20 {
			t.Errorf("source %q, doc %+v", w.Header().Get(SourceHeader), doc)
		}
	})

	t.Run("geocode", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/api/weather/geocode?q=london,%20UK&limit=abc", "")
		var places []models.Place
		if err := json.Unmarshal(w.Body.Bytes(), &places); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(places) != 1 || places[0].Name != "London" {
			t.Errorf("places = %+v, want London", places)
		}
	})

	t.Run("reverse geocode", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/api/weather/reverse-geocode?lat=10&lon=20", "")
		if w.Body.String() != `[{"name":"Unknown","lat":10,"lon":20}]` {
			t.Errorf("body = %s", w.Body.String())
		}
	})
}

func TestHandler_LocationsCRUD(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)

	create := func(body string) models.SavedLocation {
		t.Helper()
		w := serve(router, http.MethodPost, "/api/locations", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
		}
		var loc models.SavedLocation
		if err := json.Unmarshal(w.Body.Bytes(), &loc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return loc
	}

	tokyo := create(`{"name":"Tokyo","latitude":35.6762,"longitude":139.6503,"is_default":true}`)
	paris := create(`{"name":" Paris ","latitude":48.8566,"longitude":2.3522,"country":"FR"}`)
	if paris.Name != "Paris" || paris.Country == nil || *paris.Country != "FR" {
		t.Errorf("created = %+v", paris)
	}

	w := serve(router, http.MethodPut, fmt.Sprintf("/api/locations/%d", paris.ID), `{"is_default":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}

	w = serve(router, http.MethodGet, "/api/locations", "")
	var list []models.SavedLocation
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 2 || list[0].ID != paris.ID || !list[0].IsDefault || list[1].IsDefault {
		t.Errorf("list = %+v, want Paris as the only default first", list)
	}

	w = serve(router, http.MethodDelete, fmt.Sprintf("/api/locations/%d", tokyo.ID), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"message":"Location deleted"`) {
		t.Errorf("delete = %d %s", w.Code, w.Body.String())
	}

	for _, tt := range []struct{ method, body string }{
		{http.MethodDelete, ""},
		{http.MethodPut, `{"name":"Kyoto"}`},
	} {
		w = serve(router, tt.method, fmt.Sprintf("/api/locations/%d", tokyo.ID), tt.body)
		if w.Code != http.StatusNotFound || decodeError(t, w).Error.Code != "NOT_FOUND" {
			t.Errorf("%s missing location = %d %s, want 404", tt.method, w.Code, w.Body.String())
		}
	}
}

func TestHandler_CreateLocation_Validation(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)

	for _, body := range []string{
		`{"name":"Nowhere"}`,
		`{"latitude":1,"longitude":2}`,
		`{"name":"   ","latitude":1,"longitude":2}`,
		`not json`,
	} {
		w := serve(router, http.MethodPost, "/api/locations", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
			continue
		}
		if msg := decodeError(t, w).Error.Message; msg != "name, latitude, and longitude are required" {
			t.Errorf("body %s: message = %q", body, msg)
		}
	}
}

func TestHandler_SearchHistory(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)

	for _, q := range []string{"london", "paris", "tokyo"} {
		w := serve(router, http.MethodPost, "/api/locations/search-history", fmt.Sprintf(`{"query":%q,"result_name":"X"}`, q))
		if w.Code != http.StatusCreated {
			t.Fatalf("record status = %d, body %s", w.Code, w.Body.String())
		}
	}

	w := serve(router, http.MethodGet, "/api/locations/search-history?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var history []models.SearchHistory
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(history) != 2 || history[0].Query != "tokyo" {
		t.Errorf("history = %+v, want 2 newest first", history)
	}

	w = serve(router, http.MethodPost, "/api/locations/search-history", `{"query":"  "}`)
	if w.Code != http.StatusBadRequest || decodeError(t, w).Error.Message != "query is required" {
		t.Errorf("empty query = %d %s", w.Code, w.Body.String())
	}
}

func TestHandler_EmptyListsAreArrays(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, nil, nil)
	for _, path := range []string{"/api/locations", "/api/locations/search-history"} {
		w := serve(router, http.MethodGet, path, "")
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("GET %s = %s, want []", path, w.Body.String())
		}
	}
}

func TestHandler_LocationStoreFailure(t *testing.T) {
	resetState(t)
	router := newTestRouter(t, nil, failingLocations{}, nil)

	w := serve(router, http.MethodGet, "/api/locations", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	e := decodeError(t, w)
	if e.Error.Code != "INTERNAL_ERROR" || strings.Contains(e.Error.Message, "database is down") {
		t.Errorf("error = %+v, want opaque INTERNAL_ERROR", e.Error)
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Mode   string            `json:"mode"`
	Checks map[string]string `json:"checks"`
}

func getHealth(t *testing.T, router http.Handler) (int, healthBody) {
	t.Helper()
	w := serve(router, http.MethodGet, "/api/health", "")
	var b healthBody
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	return w.Code, b
}

func TestHandler_GetHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("unreachable") }

	tests := []struct {
		name       string
		live       bool
		hc         *HealthConfig
		setup      func()
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name: "mock mode healthy", hc: nil,
			wantCode: http.StatusOK, wantStatus: "healthy",
			wantChecks: map[string]string{"weatherApi": "disabled"},
		},
		{
			name: "live with dependencies", live: true,
			hc:       &HealthConfig{CachePing: ok, DatabasePing: ok, BreakerState: func() string { return "closed" }},
			wantCode: http.StatusOK, wantStatus: "healthy",
			wantChecks: map[string]string{"weatherApi": "healthy", "cache": "healthy", "database": "healthy", "circuitBreaker": "closed"},
		},
		{
			name: "cache unreachable", live: true,
			hc:       &HealthConfig{CachePing: down},
			wantCode: http.StatusServiceUnavailable, wantStatus: "degraded",
			wantChecks: map[string]string{"cache": "unhealthy"},
		},
		{
			name: "breaker open", live: true,
			hc:       &HealthConfig{BreakerState: func() string { return "open" }},
			wantCode: http.StatusServiceUnavailable, wantStatus: "degraded",
			wantChecks: map[string]string{"weatherApi": "unhealthy", "circuitBreaker": "open"},
		},
		{
			name: "error rate breach", live: true,
			hc:       &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 5},
			setup:    func() { traffic.RecordSuccess(); traffic.RecordError() },
			wantCode: http.StatusServiceUnavailable, wantStatus: "degraded",
			wantChecks: map[string]string{"weatherApi": "unhealthy"},
		},
		{
			name: "below error threshold", live: true,
			hc: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			setup: func() {
				traffic.RecordSuccess()
				traffic.RecordSuccess()
				traffic.RecordError()
			},
			wantCode: http.StatusOK, wantStatus: "healthy",
		},
		{
			name: "shutting down", live: true,
			hc:       &HealthConfig{CachePing: ok},
			setup:    func() { lifecycle.SetShuttingDown(true) },
			wantCode: http.StatusServiceUnavailable, wantStatus: "shutting-down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetState(t)
			var c client.WeatherClient
			wantMode := "mock"
			if tt.live {
				c = &mockWeatherClient{}
				wantMode = "live"
			}
			router := newTestRouter(t, c, nil, tt.hc)
			if tt.setup != nil {
				tt.setup()
			}

			code, body := getHealth(t, router)

			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("health = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if body.Mode != wantMode {
				t.Errorf("mode = %q, want %q", body.Mode, wantMode)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	resetState(t)
	core, logs := observer.New(zap.InfoLevel)
	h := NewHandler(newTestService(&mockWeatherClient{}), newTestLocations(t), &HealthConfig{}, zap.New(core))
	router := NewRouter(h, RouterConfig{})

	getHealth(t, router)
	lifecycle.SetShuttingDown(true)
	getHealth(t, router)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("fields = %v", fields)
	}
}
