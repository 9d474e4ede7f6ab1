package main

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// OTelLogSubscriber sends delivered events as structured OTel log records.
type OTelLogSubscriber struct {
	logger otellog.Logger
	mask   Mask
}

func NewOTelLogSubscriber(logger otellog.Logger, mask Mask) *OTelLogSubscriber {
	return &OTelLogSubscriber{logger: logger, mask: mask}
}

func (s *OTelLogSubscriber) OnGameEvent(event Event) {
	if !s.mask.Has(event.Kind) {
		return
	}

	attrs := []otellog.KeyValue{
		otellog.String("server", event.Server.Name),
	}
	if event.Server.Ecosystem != EcosystemUnknown {
		attrs = append(attrs, otellog.String("ecosystem", string(event.Server.Ecosystem)))
	}
	if event.RawName != "" {
		attrs = append(attrs, otellog.String("event_name", event.RawName))
	}
	if p := event.Player; p != nil {
		attrs = append(attrs, otellog.String("player", p.Name))
		if p.GameMode != "" {
			attrs = append(attrs, otellog.String("game_mode", p.GameMode))
		}
		if loc := p.Location; loc != nil {
			attrs = append(attrs,
				otellog.Int("x", loc.X),
				otellog.Int("y", loc.Y),
				otellog.Int("z", loc.Z),
			)
			if loc.World != "" {
				attrs = append(attrs, otellog.String("world", loc.World))
			}
		}
	}
	if event.Message != "" {
		attrs = append(attrs, otellog.String("message", event.Message))
	}

	logEvent(s.logger, event.Kind.String(), attrs...)
}

func logEvent(logger otellog.Logger, event string, attrs ...otellog.KeyValue) {
	var r otellog.Record
	r.SetTimestamp(time.Now())
	r.SetBody(otellog.StringValue(event))
	r.AddAttributes(attrs...)
	logger.Emit(context.Background(), r)
}
