package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/weather-proxy-service/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryCircuitOpen   ErrorCategory = "circuit_open"
	ErrorCategoryInvalidAPIKey ErrorCategory = "invalid_api_key"
	ErrorCategoryNotFound      ErrorCategory = "not_found"
	ErrorCategoryRateLimited   ErrorCategory = "rate_limited"
	ErrorCategoryUpstream      ErrorCategory = "upstream_error"
	ErrorCategoryParsing       ErrorCategory = "parsing"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrTransport):
		return ErrorCategoryNetwork
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidAPIKey
	case errors.Is(err, ErrNotFound):
		return ErrorCategoryNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream
	case errors.Is(err, ErrMalformedResponse):
		return ErrorCategoryParsing
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}
