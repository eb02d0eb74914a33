package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/progress"
)

// LogSink writes each event as a structured log line. Terminal updates log at
// info level, the rest at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		u := evt.Update
		fields := []zap.Field{
			zap.String("job", evt.Job()),
			zap.String("node", evt.Node),
			zap.String("status", string(u.Status)),
			zap.Int64("discovered", u.Stats.TotalDiscovered()),
			zap.Int64("downloaded", u.Stats.TotalDownloaded()),
			zap.Int64("bytes", u.Stats.TotalBytes()),
			zap.Duration("elapsed", u.Elapsed),
		}
		if evt.Terminal() {
			s.logger.Info("job status", fields...)
			continue
		}
		s.logger.Debug("job status", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
