package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// linkMetrics counts link and bridge activity for one server. A nil
// *linkMetrics records nothing.
type linkMetrics struct {
	attrs     metric.MeasurementOption
	connects  metric.Int64Counter
	attempts  metric.Int64Counter
	down      metric.Int64Counter
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
	timeouts  metric.Int64Counter
	fallbacks metric.Int64Counter
}

func newLinkMetrics(mp metric.MeterProvider, server string) (*linkMetrics, error) {
	meter := mp.Meter("mc-bridge")
	m := &linkMetrics{attrs: metric.WithAttributes(attribute.String("server", server))}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connects, "mcbridge.link.connects", "Successful link handshakes"},
		{&m.attempts, "mcbridge.link.reconnect_attempts", "Scheduled reconnect attempts"},
		{&m.down, "mcbridge.link.down", "Times the link gave up reconnecting"},
		{&m.delivered, "mcbridge.events.delivered", "Events delivered to chat channels"},
		{&m.dropped, "mcbridge.events.dropped", "Events dropped as unknown, unsubscribed or overflowing"},
		{&m.timeouts, "mcbridge.requests.timeouts", "Correlated calls that timed out"},
		{&m.fallbacks, "mcbridge.fallback.executions", "Commands sent through the remote console fallback"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return m, nil
}

func (m *linkMetrics) add(ctx context.Context, c metric.Int64Counter) {
	c.Add(ctx, 1, m.attrs)
}

func (m *linkMetrics) connected(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.connects)
	}
}

func (m *linkMetrics) reconnectAttempt(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.attempts)
	}
}

func (m *linkMetrics) linkDown(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.down)
	}
}

func (m *linkMetrics) eventDelivered(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.delivered)
	}
}

func (m *linkMetrics) eventDropped(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.dropped)
	}
}

func (m *linkMetrics) requestTimeout(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.timeouts)
	}
}

func (m *linkMetrics) fallbackExecuted(ctx context.Context) {
	if m != nil {
		m.add(ctx, m.fallbacks)
	}
}
