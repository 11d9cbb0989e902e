//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy-service/internal/service"
	testhelpers "github.com/kjstillabower/weather-proxy-service/internal/testhelpers"
)

// setupIntegrationRouter wires a live client and the configured store behind the full
// middleware chain.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) http.Handler {
	cfg := testhelpers.GetIntegrationConfig(t)
	weatherService, _ := testhelpers.SetupIntegrationService(t, cfg)
	handler := NewHandler(weatherService, newTestLocations(t), &HealthConfig{}, zap.NewNop())
	return NewRouter(handler, RouterConfig{Logger: zap.NewNop(), Limiter: limiter})
}

func TestIntegration_CurrentWeather_MissThenHit(t *testing.T) {
	router := setupIntegrationRouter(t, nil)

	first := serve(router, http.MethodGet, "/api/weather/current?lat=51.5074&lon=-0.1278", "")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.Code)
	}
	if src := first.Header().Get(SourceHeader); src != string(service.SourceUpstream) {
		t.Fatalf("first source = %q, want upstream", src)
	}

	second := serve(router, http.MethodGet, "/api/weather/current?lat=51.51&lon=-0.13", "")
	if src := second.Header().Get(SourceHeader); src != string(service.SourceCache) {
		t.Errorf("second source = %q, want cache", src)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("cached body differs from upstream body")
	}
}

func TestIntegration_Geocode(t *testing.T) {
	router := setupIntegrationRouter(t, nil)

	w := serve(router, http.MethodGet, "/api/weather/geocode?q=Paris&limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var places []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &places); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(places) == 0 {
		t.Error("no places returned")
	}
}

func TestIntegration_Health_Live(t *testing.T) {
	router := setupIntegrationRouter(t, nil)

	w := serve(router, http.MethodGet, "/api/health", "")
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["mode"] != "live" {
		t.Errorf("mode = %v, want live", body["mode"])
	}
}

func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	router := setupIntegrationRouter(t, rate.NewLimiter(rate.Limit(1), 2))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, serve(router, http.MethodGet, "/api/weather/reverse-geocode?lat=48.85&lon=2.35", "").Code)
	}
	denied := 0
	for _, c := range codes {
		if c == http.StatusTooManyRequests {
			denied++
		}
	}
	if denied == 0 {
		t.Errorf("codes = %v, want at least one 429", codes)
	}

	metrics := serve(router, http.MethodGet, "/metrics", "")
	if !strings.Contains(metrics.Body.String(), "rateLimitDeniedTotal") {
		t.Error("metrics missing rateLimitDeniedTotal")
	}
}
