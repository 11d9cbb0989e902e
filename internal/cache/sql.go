package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

// cacheRow is the weather_cache table. Bucket columns hold the cell of the row's own
// coordinate so lookups can range over an index instead of scanning the table.
// LocationID is kept for schema compatibility and is never set by the cache.
type cacheRow struct {
	ID           uint            `gorm:"primaryKey"`
	LocationID   *uint           `gorm:"index"`
	Latitude     float64         `gorm:"not null"`
	Longitude    float64         `gorm:"not null"`
	BucketLat    int64           `gorm:"not null;index:idx_weather_cache_bucket"`
	BucketLon    int64           `gorm:"not null;index:idx_weather_cache_bucket"`
	WeatherData  *datatypes.JSON `gorm:"column:weather_data"`
	ForecastData *datatypes.JSON `gorm:"column:forecast_data"`
	FetchedAt    time.Time       `gorm:"not null"`
	ExpiresAt    time.Time       `gorm:"not null;index"`
}

func (cacheRow) TableName() string { return "weather_cache" }

func (r cacheRow) entry() models.CacheEntry {
	return models.CacheEntry{
		ID:              uint64(r.ID),
		LocationID:      r.LocationID,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		WeatherPayload:  rawFromJSON(r.WeatherData),
		ForecastPayload: rawFromJSON(r.ForecastData),
		FetchedAt:       r.FetchedAt.UTC(),
		ExpiresAt:       r.ExpiresAt.UTC(),
	}
}

func rawFromJSON(j *datatypes.JSON) json.RawMessage {
	if j == nil {
		return nil
	}
	return cloneRaw(json.RawMessage(*j))
}

func jsonFromRaw(b json.RawMessage) *datatypes.JSON {
	j := datatypes.JSON(cloneRaw(b))
	return &j
}

// SQLStore implements Store on a relational database through gorm.
type SQLStore struct {
	db    *gorm.DB
	clock Clock
}

// NewSQLStore creates a SQLStore. Call MigrateSQL once before use.
func NewSQLStore(db *gorm.DB, clock Clock) *SQLStore {
	return &SQLStore{db: db, clock: clock}
}

// MigrateSQL creates or updates the weather_cache table and its indexes.
func MigrateSQL(db *gorm.DB) error {
	if err := db.AutoMigrate(&cacheRow{}); err != nil {
		return fmt.Errorf("migrate weather_cache: %w", err)
	}
	return nil
}

// matching narrows tx to rows within Tolerance of (lat, lon), newest first.
func matching(tx *gorm.DB, lat, lon float64) *gorm.DB {
	c := cellOf(lat, lon)
	tol := Tolerance + matchEpsilon
	return tx.
		Where("bucket_lat BETWEEN ? AND ? AND bucket_lon BETWEEN ? AND ?", c.lat-1, c.lat+1, c.lon-1, c.lon+1).
		Where("latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?", lat-tol, lat+tol, lon-tol, lon+tol).
		Order("fetched_at DESC").
		Order("id ASC").
		Limit(1)
}

// Lookup implements Store.Lookup.
func (s *SQLStore) Lookup(ctx context.Context, lat, lon float64) (models.CacheEntry, bool, error) {
	var rows []cacheRow
	err := matching(s.db.WithContext(ctx), lat, lon).
		Where("expires_at >= ?", s.clock.now()).
		Find(&rows).Error
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("lookup weather_cache: %w", err)
	}
	if len(rows) == 0 {
		return models.CacheEntry{}, false, nil
	}
	return rows[0].entry(), true, nil
}

// Upsert implements Store.Upsert. The read and the write share one transaction;
// any error rolls it back.
func (s *SQLStore) Upsert(ctx context.Context, lat, lon float64, p Payloads) (models.CacheEntry, error) {
	now := s.clock.now()
	var saved cacheRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []cacheRow
		if err := matching(tx, lat, lon).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			saved = rows[0]
		} else {
			c := cellOf(lat, lon)
			saved = cacheRow{Latitude: lat, Longitude: lon, BucketLat: c.lat, BucketLon: c.lon}
		}
		if p.Weather != nil {
			saved.WeatherData = jsonFromRaw(p.Weather)
		}
		if p.Forecast != nil {
			saved.ForecastData = jsonFromRaw(p.Forecast)
		}
		saved.FetchedAt = now
		saved.ExpiresAt = now.Add(TTL)
		if saved.ID == 0 {
			return tx.Create(&saved).Error
		}
		return tx.Save(&saved).Error
	})
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("upsert weather_cache: %w", err)
	}
	return saved.entry(), nil
}

// Ping implements Pinger.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
