package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/traffic"
)

func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), "correlation_id", corrID)
			w.Header().Set("X-Correlation-ID", corrID)

			logger := logger.With(zap.String("correlation_id", corrID))
			ctx = context.WithValue(ctx, "logger", logger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware records request count, latency and in-flight requests, labelled by
// the matched route template.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		globalInFlightTracker.Increment()
		defer func() {
			globalInFlightTracker.Decrement()
			observability.HTTPRequestsInFlight.Dec()
		}()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		route := getRoute(r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCodeString(recorder.statusCode)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

// getRoute returns the route template so path parameters do not explode label cardinality.
func getRoute(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCodeString(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware sets a deadline on the request context. When exceeded, downstream handlers
// receive context.DeadlineExceeded. An upstream call already issued is not interrupted.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware returns 429 when the token bucket is exhausted. Disabled when limiter is nil.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
					logger.Debug("rate limit denied")
				}
				traffic.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies CORS headers to /api/ paths, allowing allowedOrigin ("*" for any).
// Preflight requests are answered with 204.
func CORSMiddleware(allowedOrigin string) func(http.Handler) http.Handler {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(next http.Handler) http.Handler {
		cors := handlers.CORS(
			handlers.AllowedOrigins([]string{allowedOrigin}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "X-Correlation-ID"}),
			handlers.ExposedHeaders([]string{"X-Correlation-ID", SourceHeader}),
			handlers.OptionStatusCode(http.StatusNoContent),
		)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				cors.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
