// Package locations persists saved locations and the search history used for
// autocomplete.
package locations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

const DefaultHistoryLimit = 10

var ErrNotFound = errors.New("location not found")

// Update holds the fields to change on a saved location. Nil fields are left as is.
type Update struct {
	Name      *string  `json:"name" validate:"omitempty,min=1,max=255"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Country   *string  `json:"country" validate:"omitempty,max=100"`
	State     *string  `json:"state" validate:"omitempty,max=100"`
	IsDefault *bool    `json:"is_default"`
}

// Repository stores saved locations and search history through gorm.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Migrate creates or updates the saved_locations and search_history tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.SavedLocation{}, &models.SearchHistory{}); err != nil {
		return fmt.Errorf("migrate locations: %w", err)
	}
	return nil
}

// List returns all saved locations, the default first, then by name.
func (r *Repository) List(ctx context.Context) ([]models.SavedLocation, error) {
	var out []models.SavedLocation
	err := r.db.WithContext(ctx).
		Order("is_default DESC").
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return out, nil
}

// Create stores loc. When loc is the default, every other location loses the flag
// in the same transaction.
func (r *Repository) Create(ctx context.Context, loc *models.SavedLocation) error {
	loc.ID = 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if loc.IsDefault {
			if err := clearDefault(tx); err != nil {
				return err
			}
		}
		return tx.Create(loc).Error
	})
	if err != nil {
		return fmt.Errorf("create location: %w", err)
	}
	return nil
}

// Update applies u to the location with id. Returns ErrNotFound when it does not exist.
func (r *Repository) Update(ctx context.Context, id uint, u Update) (models.SavedLocation, error) {
	var loc models.SavedLocation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&loc, id).Error; err != nil {
			return err
		}
		if u.Name != nil {
			loc.Name = *u.Name
		}
		if u.Latitude != nil {
			loc.Latitude = *u.Latitude
		}
		if u.Longitude != nil {
			loc.Longitude = *u.Longitude
		}
		if u.Country != nil {
			loc.Country = u.Country
		}
		if u.State != nil {
			loc.State = u.State
		}
		if u.IsDefault != nil {
			if *u.IsDefault {
				if err := clearDefault(tx); err != nil {
					return err
				}
			}
			loc.IsDefault = *u.IsDefault
		}
		return tx.Save(&loc).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SavedLocation{}, ErrNotFound
	}
	if err != nil {
		return models.SavedLocation{}, fmt.Errorf("update location %d: %w", id, err)
	}
	return loc, nil
}

// Delete removes the location with id. Returns ErrNotFound when it does not exist.
func (r *Repository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&models.SavedLocation{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete location %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func clearDefault(tx *gorm.DB) error {
	return tx.Model(&models.SavedLocation{}).
		Where("is_default = ?", true).
		Update("is_default", false).Error
}

// RecentSearches returns up to limit searches, newest first. A non-positive limit
// uses DefaultHistoryLimit.
func (r *Repository) RecentSearches(ctx context.Context, limit int) ([]models.SearchHistory, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []models.SearchHistory
	err := r.db.WithContext(ctx).
		Order("searched_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list search history: %w", err)
	}
	return out, nil
}

// RecordSearch stores a search with the current time.
func (r *Repository) RecordSearch(ctx context.Context, h *models.SearchHistory) error {
	h.ID = 0
	h.SearchedAt = r.now().UTC()
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("record search: %w", err)
	}
	return nil
}

// Ping checks database connectivity. Used for health checks.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
