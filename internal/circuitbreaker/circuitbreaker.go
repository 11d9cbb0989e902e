package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned without calling fn while the circuit is open or while the
// half-open probe quota is used up.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker parameters.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout   time.Duration
	Component string
	// OnStateChange receives "closed", "half-open" or "open". Optional, for metrics.
	OnStateChange func(from, to string)
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(err error) bool
}

// CircuitBreaker protects upstream calls by opening after repeated failures
// and allowing probe requests in half-open state.
type CircuitBreaker struct {
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
}

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        cfg.Component,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.OnStateChange != nil {
		notify := cfg.OnStateChange
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			notify(from.String(), to.String())
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings), isFailure: isFailure}
}

// Call runs fn when the circuit allows it. Errors rejected by IsFailure are returned
// to the caller but recorded as successes.
func (c *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	var callErr error
	_, err := c.cb.Execute(func() (interface{}, error) {
		callErr = fn()
		if callErr != nil && c.isFailure(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	if err != nil {
		return err
	}
	return callErr
}

// State returns "closed", "half-open" or "open".
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}
