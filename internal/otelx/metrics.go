package otelx

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	FramesIn          metric.Int64Counter
	ActiveConns       metric.Int64UpDownCounter
	ActiveSessions    metric.Int64UpDownCounter
	PermissionPrompts metric.Int64Counter
	PermissionDenials metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FramesIn, err = meter.Int64Counter("ctbridge.ws.frames_in",
		metric.WithDescription("Controller frames received"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConns, err = meter.Int64UpDownCounter("ctbridge.ws.connections",
		metric.WithDescription("Open controller connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("ctbridge.sessions.active",
		metric.WithDescription("Registered agent sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionPrompts, err = meter.Int64Counter("ctbridge.permission.prompts",
		metric.WithDescription("Permission prompts issued to the agent"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDenials, err = meter.Int64Counter("ctbridge.permission.denials",
		metric.WithDescription("Writes denied by permission decisions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments bound to a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) FrameIn(ctx context.Context)          { m.FramesIn.Add(ctx, 1) }
func (m *Metrics) ConnOpened(ctx context.Context)       { m.ActiveConns.Add(ctx, 1) }
func (m *Metrics) ConnClosed(ctx context.Context)       { m.ActiveConns.Add(ctx, -1) }
func (m *Metrics) SessionOpened(ctx context.Context)    { m.ActiveSessions.Add(ctx, 1) }
func (m *Metrics) SessionClosed(ctx context.Context)    { m.ActiveSessions.Add(ctx, -1) }
func (m *Metrics) PermissionPrompt(ctx context.Context) { m.PermissionPrompts.Add(ctx, 1) }
func (m *Metrics) PermissionDenial(ctx context.Context) { m.PermissionDenials.Add(ctx, 1) }
