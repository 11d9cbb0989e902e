package models

import "time"

// SavedLocation is a user-managed favorite location. At most one row has IsDefault set.
type SavedLocation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"size:255;not null"`
	Latitude  float64   `json:"latitude" gorm:"not null"`
	Longitude float64   `json:"longitude" gorm:"not null"`
	Country   *string   `json:"country" gorm:"size:100"`
	State     *string   `json:"state" gorm:"size:100"`
	IsDefault bool      `json:"is_default" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name used by the original schema.
func (SavedLocation) TableName() string { return "saved_locations" }

// SearchHistory records a location search for autocomplete.
type SearchHistory struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Query      string    `json:"query" gorm:"size:255;not null"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	ResultName *string   `json:"result_name" gorm:"size:255"`
	SearchedAt time.Time `json:"searched_at" gorm:"not null;index"`
}

func (SearchHistory) TableName() string { return "search_history" }
