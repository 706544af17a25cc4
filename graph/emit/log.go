package emit

import (
	"context"
	"log/slog"
	"sort"
)

// LogEmitter writes events as structured slog records. Errors are logged at
// warn level, everything else at debug except run boundaries (info).
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter writing to logger, or slog.Default() when
// nil.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelDebug
	switch event.Msg {
	case MsgRunStart, MsgRunEnd:
		level = slog.LevelInfo
	case MsgNodeError, MsgBackpressure, MsgCheckpointFailed:
		level = slog.LevelWarn
	}

	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs, slog.String("run_id", event.RunID), slog.Int("step", event.Step))
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}
	l.logger.LogAttrs(ctx, level, event.Msg, attrs...)
}
