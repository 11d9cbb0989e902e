package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes log buffers before process exit. Prometheus is pull-based, so
// metrics need no flush. Call during graceful shutdown after in-flight requests drain.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("flush logs: %w", err)
	}
	if err := logger.Sync(); err != nil && !isUnsyncable(err) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

// isUnsyncable reports errors returned when stdout or stderr is a terminal or pipe,
// which cannot be fsynced.
func isUnsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
