// Package metrics defines the proxy's OpenTelemetry instrumentation,
// grounded in the corpus's lazy MetricFactory (internal/otel) registration
// pattern used throughout the teacher's domain services.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	iotel "github.com/imtaco/janus-proxy/internal/otel"
)

// Metrics bundles every counter/histogram the proxy records.
type Metrics struct {
	SessionsCreated  metric.Int64Counter
	HandlesAttached  metric.Int64Counter
	GatewayDials     metric.Int64Counter
	GatewayDialFails metric.Int64Counter
	GatewayTimeouts  metric.Int64Counter
	PluginErrors     metric.Int64Counter

	RequestDuration metric.Float64Histogram
}

// New registers every metric under the janus_proxy prefix.
func New(meterName string) *Metrics {
	f := iotel.NewFactory(meterName, iotel.PrefixJanusProxy)

	m := &Metrics{}
	f.Int64Counter(&m.SessionsCreated, "sessions_created")
	f.Int64Counter(&m.HandlesAttached, "handles_attached")
	f.Int64Counter(&m.GatewayDials, "gateway_dials")
	f.Int64Counter(&m.GatewayDialFails, "gateway_dial_fails")
	f.Int64Counter(&m.GatewayTimeouts, "gateway_timeouts")
	f.Int64Counter(&m.PluginErrors, "plugin_errors")
	f.Float64Histogram(&m.RequestDuration, "request_duration_seconds")
	return m
}

// RecordPluginError increments PluginErrors, tagged by numeric envelope
// error code so dashboards can break down failure modes per spec.md's
// error catalogue.
func (m *Metrics) RecordPluginError(ctx context.Context, code int) {
	m.PluginErrors.Add(ctx, 1, metric.WithAttributes(codeAttr(code)))
}
