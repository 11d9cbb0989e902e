package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

const (
	// Tolerance is the bounding-box half-width in degrees. Two coordinates share a
	// bucket when both |Δlat| and |Δlon| are within it.
	Tolerance = 0.01

	// TTL is the lifetime of an entry after each write.
	TTL = 30 * time.Minute

	// matchEpsilon absorbs float error so that 40.71 and 40.72 still match.
	matchEpsilon = 1e-9

	// Cells are twice as wide as Tolerance so that two matching points are never
	// more than one cell apart, float error included.
	cellsPerDegree = 1 / (2 * Tolerance)
)

// ErrStoreUnavailable is returned by backends that cannot reach their storage.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Store is the geo-bucketed weather cache. Lookup never mutates. Upsert either
// refreshes the matching entry or creates a new one and commits before returning.
type Store interface {
	Lookup(ctx context.Context, lat, lon float64) (models.CacheEntry, bool, error)
	Upsert(ctx context.Context, lat, lon float64, p Payloads) (models.CacheEntry, error)
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Payloads carries the upstream bodies to write. A nil field is left untouched on an
// existing entry and stored as absent on a new one.
type Payloads struct {
	Weather  json.RawMessage
	Forecast json.RawMessage
}

// Clock returns the current time. Backends default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// cell identifies a quantized grid square of 2*Tolerance degrees.
type cell struct {
	lat int64
	lon int64
}

func cellOf(lat, lon float64) cell {
	return cell{
		lat: int64(math.Floor(lat * cellsPerDegree)),
		lon: int64(math.Floor(lon * cellsPerDegree)),
	}
}

// neighbours returns c and the 8 cells around it. Any point within Tolerance of a
// query point lies in one of them.
func (c cell) neighbours() []cell {
	out := make([]cell, 0, 9)
	for dlat := int64(-1); dlat <= 1; dlat++ {
		for dlon := int64(-1); dlon <= 1; dlon++ {
			out = append(out, cell{lat: c.lat + dlat, lon: c.lon + dlon})
		}
	}
	return out
}

// Matches reports whether two coordinates fall in the same bucket.
func Matches(lat1, lon1, lat2, lon2 float64) bool {
	return math.Abs(lat1-lat2) <= Tolerance+matchEpsilon &&
		math.Abs(lon1-lon2) <= Tolerance+matchEpsilon
}

// preferred reports whether a should be selected over b among several matches:
// newest FetchedAt first, lowest ID on ties.
func preferred(a, b models.CacheEntry) bool {
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.After(b.FetchedAt)
	}
	return a.ID < b.ID
}

// selectEntry picks the preferred entry matching (lat, lon). When liveOnly is set,
// entries expired at now are skipped.
func selectEntry(entries []models.CacheEntry, lat, lon float64, now time.Time, liveOnly bool) (int, bool) {
	best := -1
	for i, e := range entries {
		if !Matches(e.Latitude, e.Longitude, lat, lon) {
			continue
		}
		if liveOnly && e.Expired(now) {
			continue
		}
		if best < 0 || preferred(e, entries[best]) {
			best = i
		}
	}
	return best, best >= 0
}

// apply writes the supplied payloads onto e and resets its timestamps.
func apply(e *models.CacheEntry, p Payloads, now time.Time) {
	if p.Weather != nil {
		e.WeatherPayload = cloneRaw(p.Weather)
	}
	if p.Forecast != nil {
		e.ForecastPayload = cloneRaw(p.Forecast)
	}
	e.FetchedAt = now
	e.ExpiresAt = now.Add(TTL)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// BucketKey names the grid cell containing (lat, lon). Points in the same bucket
// usually share a key; neighbouring keys may still match within Tolerance.
func BucketKey(lat, lon float64) string {
	return cellKey(cellOf(lat, lon))
}
