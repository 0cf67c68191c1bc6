package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/schema/openapi"
)

// ServiceName names the service in traces.
const ServiceName = "scene-stage"

// RegisterRoutes registers the stage query routes on rg.
//
// Endpoints:
//
//	GET /healthz          - Liveness
//	GET /prims/*path      - Composed prim: children, properties, activity
//	GET /values/*path     - Resolved field value or resolution trace
//	GET /samples/*path    - Composed time sample times
//	GET /index/*path      - Prim index summary
//	GET /layerstack       - Root layer stack
//	GET /openapi.json     - API document
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/healthz", h.HandleHealth)
	rg.GET("/prims/*path", h.HandlePrim)
	rg.GET("/values/*path", h.HandleValue)
	rg.GET("/samples/*path", h.HandleSamples)
	rg.GET("/index/*path", h.HandleIndex)
	rg.GET("/layerstack", h.HandleLayerStack)
	rg.GET("/openapi.json", h.HandleOpenAPI)
}

// NewRouter builds a gin engine serving stage with tracing, recovery and a
// Prometheus /metrics endpoint.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterRoutes(&router.RouterGroup, h)
	return router
}

// HandleOpenAPI handles GET /openapi.json.
func (h *Handlers) HandleOpenAPI(c *gin.Context) {
	h.docOnce.Do(func() {
		h.doc, h.docErr = Document(h.stage)
	})
	if h.docErr != nil {
		h.fail(c, "HandleOpenAPI", h.docErr)
		return
	}
	c.JSON(http.StatusOK, h.doc)
}

// Document renders the OpenAPI document for the stage routes, publishing the
// stage registry's layer schema alongside the response types.
func Document(stage *scene.Stage) (map[string]any, error) {
	pathParam := openapi.WithPathParameter("path", "absolute scene path")
	badPath := openapi.WithErrorStatus(http.StatusBadRequest, "invalid path or query parameter")
	notFound := openapi.WithErrorStatus(http.StatusNotFound, "no prim or property at path")
	closed := openapi.WithErrorStatus(http.StatusServiceUnavailable, "stage closed")
	g := openapi.NewGenerator(
		openapi.WithInfo("Scene Stage API", "1.0.0",
			openapi.WithInfoDescription("Read-only queries over a composed scene stage.")),
		openapi.WithComponent("Error", ErrorResponse{}),
		openapi.WithErrorComponent("Error"),
		openapi.WithComponent("Health", HealthResponse{}),
		openapi.WithComponent("Prim", PrimResponse{}),
		openapi.WithComponent("Value", ValueResponse{}),
		openapi.WithComponent("Samples", SamplesResponse{}),
		openapi.WithComponent("Index", IndexResponse{}),
		openapi.WithComponent("LayerStack", LayerStackResponse{}),
		openapi.WithOperation("/healthz", "get", "health",
			openapi.WithResponseComponent("Health")),
		openapi.WithOperation("/prims/{path}", "get", "getPrim",
			openapi.WithOperationSummary("Composed prim children and properties"),
			pathParam,
			badPath, notFound, closed,
			openapi.WithResponseComponent("Prim")),
		openapi.WithOperation("/values/{path}", "get", "getValue",
			openapi.WithOperationSummary("Resolve a field at a time code"),
			pathParam,
			openapi.WithQueryParameter("field", "string", "field name"),
			openapi.WithQueryParameter("time", "number", "time code; omitted for the default time"),
			openapi.WithQueryParameter("trace", "boolean", "return the resolution trace"),
			badPath, notFound, closed,
			openapi.WithResponseComponent("Value")),
		openapi.WithOperation("/samples/{path}", "get", "getSamples",
			openapi.WithOperationSummary("Composed time sample times"),
			pathParam,
			openapi.WithQueryParameter("lo", "number", "interval start"),
			openapi.WithQueryParameter("hi", "number", "interval end"),
			badPath, notFound, closed,
			openapi.WithResponseComponent("Samples")),
		openapi.WithOperation("/index/{path}", "get", "getIndex",
			openapi.WithOperationSummary("Prim index summary"),
			pathParam,
			badPath, notFound, closed,
			openapi.WithResponseComponent("Index")),
		openapi.WithOperation("/layerstack", "get", "getLayerStack",
			closed,
			openapi.WithResponseComponent("LayerStack")),
	)
	return g.Generate(stage.Registry().Schema())
}
