package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained; windows longer than this see only maxAge.
const maxAge = 5 * time.Minute

var defaultTracker = NewTracker(nil)

// RecordSuccess records a weather request answered from cache or upstream.
func RecordSuccess() {
	defaultTracker.RecordSuccess()
}

// RecordError records a weather request whose upstream fetch failed.
func RecordError() {
	defaultTracker.RecordError()
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// Degraded reports whether the upstream error rate within window is at least pct percent.
func Degraded(window time.Duration, pct int) bool {
	return defaultTracker.Degraded(window, pct)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu           sync.Mutex
	now          func() time.Time
	successTimes []time.Time
	errorTimes   []time.Time
	deniedTimes  []time.Time
}

// NewTracker returns a Tracker reading time from now; nil selects time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// RecordSuccess records a successful outcome.
func (t *Tracker) RecordSuccess() {
	t.recordOutcome(&t.successTimes)
}

// RecordError records a failed outcome.
func (t *Tracker) RecordError() {
	t.recordOutcome(&t.errorTimes)
}

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.deniedTimes, t.now().Add(-window))
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount includes successes and errors only; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errCount := countSince(t.errorTimes, cutoff)
	return errCount, errCount + countSince(t.successTimes, cutoff)
}

// Degraded reports whether errors make up at least pct percent of outcomes in window.
// An empty window or a non-positive pct is never degraded.
func (t *Tracker) Degraded(window time.Duration, pct int) bool {
	if window <= 0 || pct <= 0 {
		return false
	}
	errors, total := t.ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errors)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successTimes = nil
	t.errorTimes = nil
	t.deniedTimes = nil
}

// countSince counts timestamps that are not before cutoff.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successTimes)
	prune(&t.errorTimes)
	prune(&t.deniedTimes)
}
