package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	drainCycleCounter    metric.Int64Counter
	drainEventCounter    metric.Int64Counter
	drainSkippedCounter  metric.Int64Counter
	drainUpdateCounter   metric.Int64Counter
	drainLatencyHisto    metric.Float64Histogram
	optimizationsCounter metric.Int64Counter
)

// DrainMetrics captures the outcome of one processor drain cycle.
type DrainMetrics struct {
	Events    int
	Applied   int
	Filtered  int
	Malformed int
	Orphaned  int
	Rejected  int
	Updates   int
	Duration  time.Duration
}

// RecordDrainMetrics emits counters and histograms that describe a drain cycle.
func RecordDrainMetrics(ctx context.Context, m DrainMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	drainCycleCounter.Add(ctx, 1)
	if m.Events == 0 {
		return
	}

	drainEventCounter.Add(ctx, int64(m.Applied), metric.WithAttributes(attribute.String("event.outcome", "applied")))
	skipped := map[string]int{
		"filtered":  m.Filtered,
		"malformed": m.Malformed,
		"orphaned":  m.Orphaned,
		"rejected":  m.Rejected,
	}
	for reason, n := range skipped {
		if n > 0 {
			drainSkippedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("skip.reason", reason)))
		}
	}
	if m.Updates > 0 {
		drainUpdateCounter.Add(ctx, int64(m.Updates))
	}
	if m.Duration > 0 {
		drainLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond))
	}
}

// RecordOptimizationMetrics counts a forced optimization pass.
func RecordOptimizationMetrics(ctx context.Context, trigger string, removedEntries, reclaimed int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	optimizationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("optimization.trigger", trigger),
		attribute.Int("optimization.entries_removed", removedEntries),
		attribute.Int("optimization.resources_reclaimed", reclaimed),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("monitor.pipeline")

		drainCycleCounter, metricsInitErr = meter.Int64Counter(
			"monitor.drain.cycles_total",
			metric.WithDescription("Processor drain cycles executed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		drainEventCounter, metricsInitErr = meter.Int64Counter(
			"monitor.drain.events_total",
			metric.WithDescription("Events applied to monitoring entries"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		drainSkippedCounter, metricsInitErr = meter.Int64Counter(
			"monitor.drain.skipped_total",
			metric.WithDescription("Events skipped by the processor partitioned by reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		drainUpdateCounter, metricsInitErr = meter.Int64Counter(
			"monitor.drain.updates_total",
			metric.WithDescription("Throttled update requests issued by the processor"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		optimizationsCounter, metricsInitErr = meter.Int64Counter(
			"monitor.optimizations_total",
			metric.WithDescription("Forced optimization passes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		drainLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"monitor.drain.duration_ms",
			metric.WithDescription("Observed drain cycle latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordExchange attaches the observed status of a proxied exchange to the provided span.
func RecordExchange(span trace.Span, requestID string, statusCode int, decision string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("monitor.request_id", requestID),
		attribute.Int("http.response.status_code", statusCode),
	}
	if decision != "" {
		attrs = append(attrs, attribute.String("monitor.proxy_decision", decision))
	}

	span.AddEvent("monitor.exchange", trace.WithAttributes(attrs...))
}
