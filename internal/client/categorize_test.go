package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/weather-proxy-service/internal/circuitbreaker"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct ErrorCategory
// for metrics labeling, including sentinel errors, wrapped errors, and message-based heuristics.
func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"timeout sentinel", fmt.Errorf("%w: Get ...", ErrTimeout), ErrorCategoryTimeout},
		{"timeout context", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"transport", fmt.Errorf("%w: dial tcp", ErrTransport), ErrorCategoryNetwork},
		{"circuit open", fmt.Errorf("%w: %w", ErrTransport, circuitbreaker.ErrOpen), ErrorCategoryCircuitOpen},
		{"invalid API key", ErrInvalidAPIKey, ErrorCategoryInvalidAPIKey},
		{"wrapped invalid API key", fmt.Errorf("auth: %w", ErrInvalidAPIKey), ErrorCategoryInvalidAPIKey},
		{"not found", ErrNotFound, ErrorCategoryNotFound},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"upstream failure", fmt.Errorf("%w: HTTP 503", ErrUpstreamFailure), ErrorCategoryUpstream},
		{"malformed", ErrMalformedResponse, ErrorCategoryParsing},
		{"network in message", errors.New("connection refused"), ErrorCategoryNetwork},
		{"parse in message", errors.New("parse response: invalid json"), ErrorCategoryParsing},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategorizeError(tt.err)
			if got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}
