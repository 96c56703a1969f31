package llm

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/keyrail/keyrail/internal/llm"

var (
	callDurationHistogram metric.Float64Histogram
	callTokensHistogram   metric.Int64Histogram
	metricsOnce           sync.Once
	metricsRegistered     bool
)

func initCallMetrics() {
	meter := otel.Meter(meterName)
	var err error
	callDurationHistogram, err = meter.Float64Histogram(
		"keyrail.llm.call.duration",
		metric.WithDescription("Duration of a single provider call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return
	}
	callTokensHistogram, err = meter.Int64Histogram(
		"keyrail.llm.call.tokens",
		metric.WithDescription("Total tokens consumed per LLM call"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// RecordCallMetrics records duration and token usage after a provider call.
// Attributes provider, model, and source allow per-tenant-vs-global filtering
// in observability backends; tenant IDs are deliberately not attached to keep
// metric cardinality bounded.
func RecordCallMetrics(ctx context.Context, d time.Duration, provider, model, source string, inputTokens, outputTokens int) {
	metricsOnce.Do(initCallMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("credential_source", source),
	)
	callDurationHistogram.Record(ctx, d.Seconds(), attrs)
	callTokensHistogram.Record(ctx, int64(inputTokens+outputTokens), attrs)
}
