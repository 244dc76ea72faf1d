package getter

import (
	"context"
	"log/slog"

	"github.com/Witriol/filegetter/internal/log"
)

// LogObserver writes every transition to a structured logger. Progress is
// logged at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o LogObserver) OnJobState(id string, state State, message string) {
	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", id))
	level := slog.LevelInfo
	switch state {
	case StateFailed, StateCanceled:
		level = slog.LevelWarn
	case StateError:
		level = slog.LevelError
	}
	attrs := []any{"state", state.String()}
	if message != "" {
		attrs = append(attrs, "message", message)
	}
	o.logger().Log(ctx, level, "job state", attrs...)
}

func (o LogObserver) OnJobProgress(id string, state State, progress int64) {
	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", id))
	o.logger().DebugContext(ctx, "job progress", "state", state.String(), "progress", progress)
}
