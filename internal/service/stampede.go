package service

import "sync"

// missTracker counts upstream fetches running per cache bucket. It only observes:
// concurrent misses for one bucket still each call upstream.
type missTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newMissTracker() *missTracker {
	return &missTracker{inFlight: make(map[string]int)}
}

// begin registers a fetch for key and returns how many fetches for key are now running.
// The returned func must be called exactly once when the fetch returns.
func (t *missTracker) begin(key string) (int, func()) {
	t.mu.Lock()
	t.inFlight[key]++
	n := t.inFlight[key]
	t.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.inFlight[key] <= 1 {
				delete(t.inFlight, key)
				return
			}
			t.inFlight[key]--
		})
	}
}

func (t *missTracker) active(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[key]
}
