package models

import (
	"encoding/json"
	"time"
)

// Coordinate is a latitude/longitude pair. Values are not range-checked; they are
// treated opaquely as cache keys.
type Coordinate struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
}

// CacheEntry is one geo-bucketed cache row. WeatherPayload and ForecastPayload are
// opaque upstream JSON documents; nil means the payload was never fetched for this bucket.
type CacheEntry struct {
	ID              uint64          `json:"id"`
	LocationID      *uint           `json:"location_id,omitempty"`
	Latitude        float64         `json:"latitude"`
	Longitude       float64         `json:"longitude"`
	WeatherPayload  json.RawMessage `json:"weather_data,omitempty"`
	ForecastPayload json.RawMessage `json:"forecast_data,omitempty"`
	FetchedAt       time.Time       `json:"fetched_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is no longer visible to lookups at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Place is a single geocoding result.
type Place struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country,omitempty"`
	State   string  `json:"state,omitempty"`
}

// FallbackResult is returned for current weather and forecast when the upstream call
// fails: the error is surfaced together with usable mock data.
type FallbackResult struct {
	Error    string          `json:"error"`
	Fallback json.RawMessage `json:"fallback"`
}
