package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

type mockWeatherFetcher struct {
	mu        sync.Mutex
	current   []models.Coordinate
	forecasts []models.Coordinate
	units     string
	failAt    *models.Coordinate
}

func (m *mockWeatherFetcher) WarmCurrentWeather(ctx context.Context, lat, lon float64, units string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = append(m.current, models.Coordinate{Latitude: lat, Longitude: lon})
	m.units = units
	if m.failAt != nil && m.failAt.Latitude == lat && m.failAt.Longitude == lon {
		return errors.New("upstream timeout")
	}
	return nil
}

func (m *mockWeatherFetcher) WarmForecast(ctx context.Context, lat, lon float64, units string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forecasts = append(m.forecasts, models.Coordinate{Latitude: lat, Longitude: lon})
	if m.failAt != nil && m.failAt.Latitude == lat && m.failAt.Longitude == lon {
		return errors.New("upstream 503")
	}
	return nil
}

var warmCoords = []models.Coordinate{
	{Latitude: 40.7128, Longitude: -74.0060},
	{Latitude: 51.5074, Longitude: -0.1278},
	{Latitude: 35.6762, Longitude: 139.6503},
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockWeatherFetcher{}
	warmer := NewCacheWarmer(fetcher, nil)

	if err := warmer.Warm(context.Background(), warmCoords, "metric"); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.current) != len(warmCoords) || len(fetcher.forecasts) != len(warmCoords) {
		t.Errorf("calls = %d current / %d forecast, want %d each", len(fetcher.current), len(fetcher.forecasts), len(warmCoords))
	}
	if fetcher.units != "metric" {
		t.Errorf("units = %q, want metric", fetcher.units)
	}
}

func TestCacheWarmer_Warm_EmptyCoordinates(t *testing.T) {
	warmer := NewCacheWarmer(&mockWeatherFetcher{}, nil)
	if err := warmer.Warm(context.Background(), nil, "metric"); err != nil {
		t.Fatalf("Warm() with nil coordinates error = %v, want nil", err)
	}
}

func TestCacheWarmer_Warm_AggregatesErrors(t *testing.T) {
	fetcher := &mockWeatherFetcher{failAt: &warmCoords[1]}
	warmer := NewCacheWarmer(fetcher, nil)

	err := warmer.Warm(context.Background(), warmCoords, "metric")
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	msg := err.Error()
	for _, want := range []string{"upstream timeout", "upstream 503", "51.5074"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Warm() error %q missing %q", msg, want)
		}
	}
	if len(fetcher.current) != len(warmCoords) {
		t.Errorf("one failure should not stop the others: %d calls", len(fetcher.current))
	}
}

func TestCacheWarmer_StartStop(t *testing.T) {
	warmer := NewCacheWarmer(&mockWeatherFetcher{}, nil)
	if err := warmer.Start(context.Background(), nil, "metric", 0); err != nil {
		t.Fatalf("Start() with no coordinates error = %v", err)
	}
	warmer.Stop()
}
