package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

const (
	keyPrefix = "geocache:"
	seqKey    = keyPrefix + "seq"
)

// MemcachedStore implements Store on memcached. Each cell is one item holding the JSON
// list of its entries. Items carry no memcached expiration: visibility is decided by
// ExpiresAt, as in the other backends. Concurrent writers to the same cell follow
// last-writer-wins.
type MemcachedStore struct {
	client *memcache.Client
	clock  Clock
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, clock Clock) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, clock: clock}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func memcachedKey(c cell) string {
	return keyPrefix + cellKey(c)
}

// load fetches the 9 cells around (lat, lon) in one round trip.
func (s *MemcachedStore) load(lat, lon float64) (map[cell][]models.CacheEntry, error) {
	cells := cellOf(lat, lon).neighbours()
	keys := make([]string, len(cells))
	for i, c := range cells {
		keys[i] = memcachedKey(c)
	}
	items, err := s.client.GetMulti(keys)
	if err != nil {
		return nil, fmt.Errorf("get cells: %w", err)
	}
	out := make(map[cell][]models.CacheEntry, len(items))
	for _, c := range cells {
		item, ok := items[memcachedKey(c)]
		if !ok {
			continue
		}
		var entries []models.CacheEntry
		if err := json.Unmarshal(item.Value, &entries); err != nil {
			return nil, fmt.Errorf("decode cell %s: %w", item.Key, err)
		}
		out[c] = entries
	}
	return out, nil
}

func flatten(cells map[cell][]models.CacheEntry) ([]models.CacheEntry, []cell) {
	var entries []models.CacheEntry
	var owners []cell
	for c, list := range cells {
		for _, e := range list {
			entries = append(entries, e)
			owners = append(owners, c)
		}
	}
	return entries, owners
}

// Lookup implements Store.Lookup.
func (s *MemcachedStore) Lookup(ctx context.Context, lat, lon float64) (models.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheEntry{}, false, err
	}
	cells, err := s.load(lat, lon)
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	entries, _ := flatten(cells)
	i, ok := selectEntry(entries, lat, lon, s.clock.now(), true)
	if !ok {
		return models.CacheEntry{}, false, nil
	}
	return entries[i], true, nil
}

// Upsert implements Store.Upsert.
func (s *MemcachedStore) Upsert(ctx context.Context, lat, lon float64, p Payloads) (models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheEntry{}, err
	}
	cells, err := s.load(lat, lon)
	if err != nil {
		return models.CacheEntry{}, err
	}
	now := s.clock.now()

	entries, owners := flatten(cells)
	if i, ok := selectEntry(entries, lat, lon, now, false); ok {
		e := entries[i]
		apply(&e, p, now)
		list := cells[owners[i]]
		for j := range list {
			if list[j].ID == e.ID {
				list[j] = e
			}
		}
		if err := s.save(owners[i], list); err != nil {
			return models.CacheEntry{}, err
		}
		return e, nil
	}

	id, err := s.nextID()
	if err != nil {
		return models.CacheEntry{}, err
	}
	e := models.CacheEntry{ID: id, Latitude: lat, Longitude: lon}
	apply(&e, p, now)
	c := cellOf(lat, lon)
	if err := s.save(c, append(cells[c], e)); err != nil {
		return models.CacheEntry{}, err
	}
	return e, nil
}

func (s *MemcachedStore) save(c cell, entries []models.CacheEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := s.client.Set(&memcache.Item{Key: memcachedKey(c), Value: raw}); err != nil {
		return fmt.Errorf("set cell: %w", err)
	}
	return nil
}

// nextID allocates an entry ID from a memcached counter, seeding it on first use.
func (s *MemcachedStore) nextID() (uint64, error) {
	id, err := s.client.Increment(seqKey, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		if err := s.client.Add(&memcache.Item{Key: seqKey, Value: []byte("0")}); err != nil && !errors.Is(err, memcache.ErrNotStored) {
			return 0, fmt.Errorf("seed id counter: %w", err)
		}
		id, err = s.client.Increment(seqKey, 1)
	}
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return id, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
