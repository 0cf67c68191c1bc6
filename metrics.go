package scene

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("goscene.scene")

var (
	indexLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_index_cache_total",
			Help: "Prim index lookups by cache result",
		},
		[]string{"result"},
	)

	xformLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_xform_cache_total",
			Help: "World transform lookups by cache result",
		},
		[]string{"result"},
	)

	noticePathsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scene_change_paths_total",
			Help: "Stage paths reported in change notices by kind",
		},
		[]string{"kind"},
	)

	noticesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scene_change_notices_total",
			Help: "Change notices delivered to stage subscribers",
		},
	)
)

func cacheResult(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func recordIndexLookup(hit bool) {
	indexLookupsTotal.WithLabelValues(cacheResult(hit)).Inc()
}

func recordXformLookup(hit bool) {
	xformLookupsTotal.WithLabelValues(cacheResult(hit)).Inc()
}

func recordNotice(n Notice) {
	noticesTotal.Inc()
	noticePathsTotal.WithLabelValues("resync").Add(float64(len(n.Resynced)))
	noticePathsTotal.WithLabelValues("changed_info").Add(float64(len(n.ChangedInfo)))
}

func startChangeSpan(ctx context.Context, blockID string, layers int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "scene.ProcessChanges",
		trace.WithAttributes(
			attribute.String("scene.block_id", blockID),
			attribute.Int("scene.layer_count", layers),
		),
	)
}
