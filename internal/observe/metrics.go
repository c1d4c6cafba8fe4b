// Package observe provides application-wide observability primitives for
// Colloquy: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Colloquy metrics.
const meterName = "github.com/colloquyhq/colloquy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// GenerationDuration tracks per-turn model generation latency from
	// agent.start to agent.end. Use with attributes:
	//   attribute.String("tenant_id", ...), attribute.String("persona", ...)
	GenerationDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge retrieval latency during prompt
	// assembly.
	RetrievalDuration metric.Float64Histogram

	// StreamEvents counts emitted stream events. Use with attribute:
	//   attribute.String("event", "agent.start"|"agent.chunk"|"agent.end"|...)
	StreamEvents metric.Int64Counter

	// DroppedSubscribers counts subscribers dropped for not keeping up with
	// the event stream.
	DroppedSubscribers metric.Int64Counter

	// ProviderRequests counts model backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts model backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks the number of sessions with a live worker.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks connected stream subscribers across all
	// sessions.
	ActiveSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive generation latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GenerationDuration, err = m.Float64Histogram("colloquy.generation.duration",
		metric.WithDescription("Latency of one persona turn generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("colloquy.retrieval.duration",
		metric.WithDescription("Latency of knowledge retrieval during prompt assembly."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.StreamEvents, err = m.Int64Counter("colloquy.stream.events",
		metric.WithDescription("Total stream events emitted by session workers, by event type."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSubscribers, err = m.Int64Counter("colloquy.stream.dropped_subscribers",
		metric.WithDescription("Total subscribers dropped for stalling the event stream."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("colloquy.provider.requests",
		metric.WithDescription("Total model backend requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("colloquy.provider.errors",
		metric.WithDescription("Total model backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("colloquy.active_sessions",
		metric.WithDescription("Number of sessions with a live worker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("colloquy.active_subscribers",
		metric.WithDescription("Number of connected stream subscribers."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("colloquy.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStreamEvent records a stream event counter increment.
func (m *Metrics) RecordStreamEvent(ctx context.Context, event string) {
	m.StreamEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordDroppedSubscriber records one dropped subscriber for a session.
func (m *Metrics) RecordDroppedSubscriber(ctx context.Context, sessionID string) {
	m.DroppedSubscribers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("session_id", sessionID)),
	)
}

// RecordProviderRequest records a model backend request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a model backend error with the standard
// attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRetrieval records one knowledge retrieval duration in seconds.
func (m *Metrics) RecordRetrieval(ctx context.Context, tenantID, personaHandle string, seconds float64) {
	m.RetrievalDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("persona", personaHandle),
		),
	)
}

// RecordGeneration records one persona turn generation duration in seconds.
func (m *Metrics) RecordGeneration(ctx context.Context, tenantID, personaHandle string, seconds float64) {
	m.GenerationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("persona", personaHandle),
		),
	)
}
