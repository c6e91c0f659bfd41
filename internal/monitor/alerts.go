package monitor

import "go.uber.org/zap"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string, fields map[string]any) error
}

// LogSink writes alerts to the service log at warn level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string, fields map[string]any) error {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	s.Logger.Warn(message, zf...)
	return nil
}
