package validation

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultUnits        = "metric"
	DefaultGeocodeLimit = 5
	MaxQueryLength      = 200
)

var (
	// ErrCoordinatesRequired is returned when lat or lon is missing or not a finite number.
	ErrCoordinatesRequired = errors.New("lat and lon parameters are required")
	// ErrInvalidUnits is returned for units other than metric, imperial or standard.
	ErrInvalidUnits = errors.New("units must be one of metric, imperial, standard")
	// ErrQueryRequired is returned when the geocode query is empty after trim.
	ErrQueryRequired = errors.New("q parameter is required")
	// ErrQueryTooLong is returned when the geocode query exceeds MaxQueryLength runes.
	ErrQueryTooLong = errors.New("q parameter is too long")
	// ErrLocationFields is returned when a saved location body lacks a required field.
	ErrLocationFields = errors.New("name, latitude, and longitude are required")
	// ErrInvalidLocation is returned when a saved location field is out of bounds.
	ErrInvalidLocation = errors.New("invalid location fields")
	// ErrSearchQueryRequired is returned when a search history body lacks its query.
	ErrSearchQueryRequired = errors.New("query is required")
)

var validate = validator.New()

// CoordinateQuery is the lat/lon/units triple of the weather endpoints.
type CoordinateQuery struct {
	Lat   *float64 `validate:"required"`
	Lon   *float64 `validate:"required"`
	Units string   `validate:"oneof=metric imperial standard"`
}

// ParseCoordinates reads lat and lon from q. Coordinates are not range-checked.
func ParseCoordinates(q url.Values) (lat, lon float64, err error) {
	c := CoordinateQuery{Lat: parseFloat(q, "lat"), Lon: parseFloat(q, "lon"), Units: DefaultUnits}
	if err := validate.Struct(c); err != nil {
		return 0, 0, ErrCoordinatesRequired
	}
	return *c.Lat, *c.Lon, nil
}

// ParseWeatherQuery reads lat, lon and units (default metric) from q.
func ParseWeatherQuery(q url.Values) (lat, lon float64, units string, err error) {
	lat, lon, err = ParseCoordinates(q)
	if err != nil {
		return 0, 0, "", err
	}
	c := CoordinateQuery{Lat: &lat, Lon: &lon, Units: strings.ToLower(strings.TrimSpace(q.Get("units")))}
	if c.Units == "" {
		c.Units = DefaultUnits
	}
	if err := validate.Struct(c); err != nil {
		return 0, 0, "", ErrInvalidUnits
	}
	return lat, lon, c.Units, nil
}

// ParseGeocodeQuery reads the trimmed query and limit from q. A missing, unparseable
// or non-positive limit yields DefaultGeocodeLimit.
func ParseGeocodeQuery(q url.Values) (query string, limit int, err error) {
	query = strings.TrimSpace(q.Get("q"))
	if query == "" {
		return "", 0, ErrQueryRequired
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return "", 0, ErrQueryTooLong
	}
	limit, convErr := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	if convErr != nil || limit < 1 {
		limit = DefaultGeocodeLimit
	}
	return query, limit, nil
}

// ParseHistoryLimit reads the search-history limit; invalid values yield 0 so the
// repository default applies.
func ParseHistoryLimit(q url.Values) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

func parseFloat(q url.Values, key string) *float64 {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// LocationInput is the body of a saved-location create request.
type LocationInput struct {
	Name      string   `json:"name" validate:"required,max=255"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
	Country   *string  `json:"country" validate:"omitempty,max=100"`
	State     *string  `json:"state" validate:"omitempty,max=100"`
	IsDefault bool     `json:"is_default"`
}

// ValidateLocationInput checks a create body. Missing required fields map to
// ErrLocationFields; other violations to ErrInvalidLocation.
func ValidateLocationInput(in LocationInput) error {
	in.Name = strings.TrimSpace(in.Name)
	return classify(validate.Struct(in), ErrLocationFields, ErrInvalidLocation)
}

// ValidateStruct runs the struct tags of v, mapping any violation to ErrInvalidLocation.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return ErrInvalidLocation
	}
	return nil
}

// SearchInput is the body of a search-history record request.
type SearchInput struct {
	Query      string   `json:"query" validate:"required,max=255"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	ResultName *string  `json:"result_name" validate:"omitempty,max=255"`
}

// ValidateSearchInput checks a search-history body.
func ValidateSearchInput(in SearchInput) error {
	in.Query = strings.TrimSpace(in.Query)
	return classify(validate.Struct(in), ErrSearchQueryRequired, ErrInvalidLocation)
}

func classify(err error, missing, invalid error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				return missing
			}
		}
	}
	return invalid
}
