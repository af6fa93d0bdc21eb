// Package observe provides the service's observability primitives:
// OpenTelemetry metric instruments and the Prometheus exporter bridge
// that makes them scrapeable at /metrics.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for wiring from main; tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution. All
// Record* helpers are safe on a nil receiver, so components can treat
// metrics as optional.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all storyloom metrics.
const meterName = "github.com/rvastories/storyloom"

// Metrics holds all OpenTelemetry metric instruments for the service.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// TurnDuration tracks end-to-end engine operation latency. Attributes:
	//   operation (start, continue, select_option, generate_final), stage
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency including retries.
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, path
	HTTPRequestDuration metric.Float64Histogram

	// SessionsStarted counts created sessions.
	SessionsStarted metric.Int64Counter

	// Turns counts accepted conversation turns. Attribute: stage
	Turns metric.Int64Counter

	// LLMCalls counts LLM completions by outcome:
	//   ok, deadline, overloaded, unavailable, bad_request
	LLMCalls metric.Int64Counter

	// LLMRetries counts individual retried LLM attempts.
	LLMRetries metric.Int64Counter

	// GenerationIncomplete counts candidate generations that exhausted
	// their reissue budget. Attribute: kind (hook, cta)
	GenerationIncomplete metric.Int64Counter

	// VectorDegraded counts retrievals that fell back to empty context.
	VectorDegraded metric.Int64Counter

	// SessionsExpired counts sessions marked expired, lazily or by sweep.
	SessionsExpired metric.Int64Counter
}

// latencyBuckets covers the spread from local template renders to
// multi-retry LLM calls, in seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("storyloom.turn.duration",
		metric.WithDescription("End-to-end engine operation latency by operation and stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("storyloom.llm.duration",
		metric.WithDescription("LLM completion latency including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("storyloom.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.SessionsStarted, err = m.Int64Counter("storyloom.sessions.started",
		metric.WithDescription("Total sessions created."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("storyloom.turns",
		metric.WithDescription("Total accepted conversation turns by stage."),
	); err != nil {
		return nil, err
	}
	if met.LLMCalls, err = m.Int64Counter("storyloom.llm.calls",
		metric.WithDescription("Total LLM completions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.LLMRetries, err = m.Int64Counter("storyloom.llm.retries",
		metric.WithDescription("Total retried LLM attempts."),
	); err != nil {
		return nil, err
	}
	if met.GenerationIncomplete, err = m.Int64Counter("storyloom.generation.incomplete",
		metric.WithDescription("Candidate generations that exhausted their reissue budget, by kind."),
	); err != nil {
		return nil, err
	}
	if met.VectorDegraded, err = m.Int64Counter("storyloom.vector.degraded",
		metric.WithDescription("Retrievals that degraded to empty context."),
	); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("storyloom.sessions.expired",
		metric.WithDescription("Sessions marked expired."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call from the global meter provider. Panics if instrument
// creation fails, which the global provider never does.
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

// RecordSessionStarted increments the session creation counter.
func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsStarted.Add(ctx, 1)
}

// RecordTurn records one accepted turn and its latency.
func (m *Metrics) RecordTurn(ctx context.Context, operation, stage string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("stage", stage),
	)
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordLLMCall records one completed LLM call with its outcome and
// total latency.
func (m *Metrics) RecordLLMCall(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.LLMDuration.Record(ctx, seconds)
}

// RecordLLMRetry increments the retried-attempt counter.
func (m *Metrics) RecordLLMRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.LLMRetries.Add(ctx, 1)
}

// RecordGenerationIncomplete increments the exhausted-reissue counter
// for the given candidate kind.
func (m *Metrics) RecordGenerationIncomplete(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.GenerationIncomplete.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordVectorDegraded increments the degraded-retrieval counter.
func (m *Metrics) RecordVectorDegraded(ctx context.Context) {
	if m == nil {
		return
	}
	m.VectorDegraded.Add(ctx, 1)
}

// RecordSessionsExpired adds n to the expired-session counter. The
// sweeper reports whole batches.
func (m *Metrics) RecordSessionsExpired(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsExpired.Add(ctx, int64(n))
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}
