package compose

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
	tracer = otel.Tracer("goscene.compose")
	meter  = otel.Meter("goscene.compose")
)

var (
	indexLatency   metric.Float64Histogram
	indexNodes     metric.Int64Histogram
	indexErrors    metric.Int64Counter
	stackLatency   metric.Float64Histogram
	stackCacheHits metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		indexLatency, err = meter.Float64Histogram(
			"compose_index_duration_seconds",
			metric.WithDescription("Duration of prim index computation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexNodes, err = meter.Int64Histogram(
			"compose_index_nodes",
			metric.WithDescription("Number of nodes per computed prim index"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexErrors, err = meter.Int64Counter(
			"compose_index_errors_total",
			metric.WithDescription("Composition errors recorded while computing prim indices"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stackLatency, err = meter.Float64Histogram(
			"compose_layer_stack_duration_seconds",
			metric.WithDescription("Duration of layer stack builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stackCacheHits, err = meter.Int64Counter(
			"compose_layer_stack_cache_total",
			metric.WithDescription("Layer stack cache lookups"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordIndexMetrics(ctx context.Context, duration time.Duration, nodes, errs int) {
	if err := initMetrics(); err != nil {
		return
	}
	indexLatency.Record(ctx, duration.Seconds())
	indexNodes.Record(ctx, int64(nodes))
	if errs > 0 {
		indexErrors.Add(ctx, int64(errs))
	}
}

func recordStackMetrics(ctx context.Context, duration time.Duration, layers int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	stackLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", success), attribute.Int("layers", layers)),
	)
}

func recordStackLookup(ctx context.Context, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	stackCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func startIndexSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "compose.ComputeIndex",
		trace.WithAttributes(attribute.String("compose.path", path)),
	)
}

func setIndexSpanResult(span trace.Span, nodes, errs int) {
	span.SetAttributes(
		attribute.Int("compose.node_count", nodes),
		attribute.Int("compose.error_count", errs),
	)
}

func startStackSpan(ctx context.Context, root string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "compose.BuildLayerStack",
		trace.WithAttributes(attribute.String("compose.root_layer", root)),
	)
}
