package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/event"
)

// LogSink emits structured logs for debugging progress streams. Token events
// are logged at debug level since a single stage can produce thousands.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("group_id", evt.GroupID),
			zap.String("sub_id", evt.SubID),
			zap.String("kind", string(evt.Kind())),
			zap.Time("ts", evt.Timestamp),
		}
		switch p := evt.Payload.(type) {
		case event.Token:
			s.logger.Debug("progress event", append(fields, zap.Int("cumulative_len", len(p.CumulativeText)))...)
			continue
		case event.StageUpdate:
			fields = append(fields, zap.String("status", p.Status), zap.Int("progress", p.Progress), zap.String("message", p.Message))
		case event.Progress:
			fields = append(fields, zap.Int("current", p.Current), zap.Int("total", p.Total), zap.String("item", p.ItemLabel))
		case event.Done:
			fields = append(fields, zap.Int("result_len", len(p.Result)), zap.Any("metadata", p.Metadata))
		case event.Error:
			fields = append(fields, zap.String("error", p.Message))
			if p.RetryCount != nil {
				fields = append(fields, zap.Int("retry_count", *p.RetryCount))
			}
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
