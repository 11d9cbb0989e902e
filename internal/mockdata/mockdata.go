// Package mockdata produces synthetic weather, forecast and geocoding payloads used when
// no upstream credential is configured or the upstream call fails. Output shapes mirror
// the OpenWeatherMap responses so clients can render them unchanged.
package mockdata

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

const (
	demoCityName = "Demo City"

	forecastIntervals = 40 // 5 days x 8 per day
	forecastStep      = 3 * time.Hour
	forecastTimeFmt   = "2006-01-02 15:04:05"
)

// Placeholder coordinates used for geocode queries that match no gazetteer entry.
const (
	PlaceholderLat     = 40.0
	PlaceholderLon     = -74.0
	PlaceholderCountry = "US"
)

// Condition is a weather condition descriptor in the upstream format.
type Condition struct {
	ID          int    `json:"id,omitempty"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// CurrentWeather is the mock current-conditions document.
type CurrentWeather struct {
	Coord      models.Coordinate `json:"coord"`
	Weather    []Condition       `json:"weather"`
	Main       MainReadings      `json:"main"`
	Visibility int               `json:"visibility"`
	Wind       Wind              `json:"wind"`
	Clouds     struct {
		All int `json:"all"`
	} `json:"clouds"`
	Dt  int64 `json:"dt"`
	Sys struct {
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
		Country string `json:"country"`
	} `json:"sys"`
	Timezone int    `json:"timezone"`
	Name     string `json:"name"`
	Cod      int    `json:"cod"`
	Mock     bool   `json:"_mock"`
}

// MainReadings holds temperature, pressure and humidity values.
type MainReadings struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Pressure  int     `json:"pressure"`
	Humidity  int     `json:"humidity"`
}

// Wind holds wind readings.
type Wind struct {
	Speed float64 `json:"speed"`
	Deg   int     `json:"deg"`
	Gust  float64 `json:"gust,omitempty"`
}

// Forecast is the mock 5-day / 3-hour forecast document.
type Forecast struct {
	List []ForecastItem `json:"list"`
	City ForecastCity   `json:"city"`
	Mock bool           `json:"_mock"`
}

// ForecastItem is one 3-hour forecast interval.
type ForecastItem struct {
	Dt      int64        `json:"dt"`
	Main    MainReadings `json:"main"`
	Weather []Condition  `json:"weather"`
	Wind    Wind         `json:"wind"`
	DtTxt   string       `json:"dt_txt"`
}

// ForecastCity identifies the forecast location.
type ForecastCity struct {
	Name  string            `json:"name"`
	Coord models.Coordinate `json:"coord"`
}

// forecastConditions is the fixed archetype cycle for forecast intervals.
var forecastConditions = []Condition{
	{Main: "Clear", Description: "clear sky", Icon: "01d"},
	{Main: "Clouds", Description: "few clouds", Icon: "02d"},
	{Main: "Clouds", Description: "scattered clouds", Icon: "03d"},
	{Main: "Rain", Description: "light rain", Icon: "10d"},
	{Main: "Clear", Description: "clear sky", Icon: "01d"},
}

type gazetteerEntry struct {
	key   string
	place models.Place
}

// gazetteer is scanned in order; the first key contained in the query wins.
var gazetteer = []gazetteerEntry{
	{"new york", models.Place{Name: "New York", Lat: 40.7128, Lon: -74.0060, Country: "US", State: "New York"}},
	{"london", models.Place{Name: "London", Lat: 51.5074, Lon: -0.1278, Country: "GB"}},
	{"tokyo", models.Place{Name: "Tokyo", Lat: 35.6762, Lon: 139.6503, Country: "JP"}},
	{"paris", models.Place{Name: "Paris", Lat: 48.8566, Lon: 2.3522, Country: "FR"}},
	{"sydney", models.Place{Name: "Sydney", Lat: -33.8688, Lon: 151.2093, Country: "AU"}},
}

// Generator builds mock payloads. The clock is injectable so timestamps are testable.
type Generator struct {
	now func() time.Time
}

// New returns a Generator using now as its clock; nil selects time.Now.
func New(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// CurrentWeather returns fixed clear-sky conditions embedding the requested coordinates.
func (g *Generator) CurrentWeather(lat, lon float64) CurrentWeather {
	w := CurrentWeather{
		Coord:      models.Coordinate{Latitude: lat, Longitude: lon},
		Weather:    []Condition{{ID: 800, Main: "Clear", Description: "clear sky", Icon: "01d"}},
		Main:       MainReadings{Temp: 22.5, FeelsLike: 21.8, TempMin: 19.0, TempMax: 25.0, Pressure: 1013, Humidity: 65},
		Visibility: 10000,
		Wind:       Wind{Speed: 3.5, Deg: 180, Gust: 5.2},
		Dt:         g.now().UTC().Unix(),
		Timezone:   -18000,
		Name:       demoCityName,
		Cod:        200,
		Mock:       true,
	}
	w.Clouds.All = 10
	w.Sys.Sunrise = 1640000000
	w.Sys.Sunset = 1640040000
	w.Sys.Country = "US"
	return w
}

// Forecast returns 40 three-hourly intervals starting now, cycling through the
// condition archetypes with a temperature curve that depends only on the interval index.
func (g *Generator) Forecast(lat, lon float64) Forecast {
	start := g.now().UTC()
	items := make([]ForecastItem, 0, forecastIntervals)
	for i := 0; i < forecastIntervals; i++ {
		ts := start.Add(time.Duration(i) * forecastStep)
		cond := forecastConditions[i%len(forecastConditions)]
		items = append(items, ForecastItem{
			Dt: ts.Unix(),
			Main: MainReadings{
				Temp:      20 + float64(i%8)*1.5 - 3,
				FeelsLike: 19 + float64(i%8)*1.5 - 3,
				TempMin:   float64(17 + i%5),
				TempMax:   float64(24 + i%5),
				Pressure:  1013,
				Humidity:  60 + i%20,
			},
			Weather: []Condition{cond},
			Wind:    Wind{Speed: float64(2 + i%5), Deg: 180},
			DtTxt:   ts.Format(forecastTimeFmt),
		})
	}
	return Forecast{
		List: items,
		City: ForecastCity{Name: demoCityName, Coord: models.Coordinate{Latitude: lat, Longitude: lon}},
		Mock: true,
	}
}

// Geocode matches query against the built-in gazetteer by case-insensitive substring.
// With no match it synthesizes a single title-cased result at placeholder coordinates.
func (g *Generator) Geocode(query string) []models.Place {
	key := strings.ToLower(strings.TrimSpace(query))
	for _, e := range gazetteer {
		if strings.Contains(key, e.key) {
			return []models.Place{e.place}
		}
	}
	return []models.Place{{
		Name:    cases.Title(language.Und).String(strings.TrimSpace(query)),
		Lat:     PlaceholderLat,
		Lon:     PlaceholderLon,
		Country: PlaceholderCountry,
	}}
}

// ReverseGeocode always returns a single "Unknown" place echoing the input coordinates.
func (g *Generator) ReverseGeocode(lat, lon float64) []models.Place {
	return []models.Place{{Name: "Unknown", Lat: lat, Lon: lon}}
}
