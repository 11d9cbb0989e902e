package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	drainStarted atomic.Int64
)

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received.
// The health endpoint reports shutting-down with 503 while it is set.
func SetShuttingDown(v bool) {
	if v {
		drainStarted.CompareAndSwap(0, time.Now().UnixNano())
	} else {
		drainStarted.Store(0)
	}
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// DrainDuration returns how long the process has been draining, or zero when it is not.
func DrainDuration() time.Duration {
	started := drainStarted.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}
