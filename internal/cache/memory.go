package cache

import (
	"context"
	"fmt"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

// MemoryStore implements Store in process memory. Entries are grouped per cell and
// never evicted; expired entries stay until overwritten, like the SQL table.
type MemoryStore struct {
	mu     sync.RWMutex
	cells  *gocache.Cache
	nextID uint64
	clock  Clock
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses time.Now.
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{
		cells: gocache.New(gocache.NoExpiration, 0),
		clock: clock,
	}
}

func cellKey(c cell) string {
	return fmt.Sprintf("%d:%d", c.lat, c.lon)
}

func (s *MemoryStore) cellEntries(c cell) []models.CacheEntry {
	v, ok := s.cells.Get(cellKey(c))
	if !ok {
		return nil
	}
	return v.([]models.CacheEntry)
}

// candidates gathers entries from the 9 cells around (lat, lon) together with their
// cell, so the winner can be written back in place.
func (s *MemoryStore) candidates(lat, lon float64) ([]models.CacheEntry, []cell) {
	var entries []models.CacheEntry
	var owners []cell
	for _, c := range cellOf(lat, lon).neighbours() {
		for _, e := range s.cellEntries(c) {
			entries = append(entries, e)
			owners = append(owners, c)
		}
	}
	return entries, owners
}

// Lookup implements Store.Lookup.
func (s *MemoryStore) Lookup(ctx context.Context, lat, lon float64) (models.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheEntry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, _ := s.candidates(lat, lon)
	i, ok := selectEntry(entries, lat, lon, s.clock.now(), true)
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	return copyEntry(entries[i]), true, nil
}

// Upsert implements Store.Upsert.
func (s *MemoryStore) Upsert(ctx context.Context, lat, lon float64, p Payloads) (models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	entries, owners := s.candidates(lat, lon)
	if i, ok := selectEntry(entries, lat, lon, now, false); ok {
		e := copyEntry(entries[i])
		apply(&e, p, now)
		s.replace(owners[i], e)
		return copyEntry(e), nil
	}

	s.nextID++
	e := models.CacheEntry{ID: s.nextID, Latitude: lat, Longitude: lon}
	apply(&e, p, now)
	c := cellOf(lat, lon)
	list := append([]models.CacheEntry(nil), s.cellEntries(c)...)
	s.cells.Set(cellKey(c), append(list, e), gocache.NoExpiration)
	return copyEntry(e), nil
}

func (s *MemoryStore) replace(c cell, e models.CacheEntry) {
	list := append([]models.CacheEntry(nil), s.cellEntries(c)...)
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
		}
	}
	s.cells.Set(cellKey(c), list, gocache.NoExpiration)
}

// Ping implements Pinger. The in-memory store is always reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, item := range s.cells.Items() {
		n += len(item.Object.([]models.CacheEntry))
	}
	return n
}

func copyEntry(e models.CacheEntry) models.CacheEntry {
	e.WeatherPayload = cloneRaw(e.WeatherPayload)
	e.ForecastPayload = cloneRaw(e.ForecastPayload)
	return e
}
