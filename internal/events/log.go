package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// LogSubscriber writes one structured line per upload event.
type LogSubscriber struct {
	log *zap.Logger
}

// NewLogSubscriber logs through l, or the global logger when l is nil.
func NewLogSubscriber(l *zap.Logger) *LogSubscriber {
	if l == nil {
		l = zap.L()
	}
	return &LogSubscriber{log: l.With(zap.String("component", "events.log"))}
}

// Name implements Subscriber.
func (s *LogSubscriber) Name() string { return "log" }

// Notify implements Subscriber.
func (s *LogSubscriber) Notify(_ context.Context, ev model.UploadEvent) error {
	fields := []zap.Field{
		zap.String("upload_id", ev.ID),
		zap.Int64("template_id", ev.TemplateID),
		zap.Int64("provider_id", ev.ProviderID),
		zap.String("source", string(ev.Source)),
		zap.String("status", string(ev.Status)),
		zap.Int("created", ev.Created),
		zap.Int("skipped", ev.Skipped),
		zap.Int("failed", ev.Failed),
		zap.String("message", ev.Message),
	}
	if ev.Status == model.StatusFailed {
		s.log.Warn("upload event", fields...)
	} else {
		s.log.Info("upload event", fields...)
	}
	return nil
}
