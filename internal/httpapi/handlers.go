// Package httpapi serves read-only stage queries over HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/sdfpath"
)

// Handlers contains the HTTP handlers for one stage.
type Handlers struct {
	stage  *scene.Stage
	logger *slog.Logger

	docOnce sync.Once
	doc     map[string]any
	docErr  error
}

// NewHandlers creates handlers for stage. A nil logger uses slog.Default.
func NewHandlers(stage *scene.Stage, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{stage: stage, logger: logger.With("component", "httpapi")}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Root: h.stage.RootLayer().Identifier()})
}

// HandlePrim handles GET /prims/*path.
//
// Response:
//
//	200 OK: PrimResponse
//	400 Bad Request: malformed path
//	404 Not Found: no composed prim at path
func (h *Handlers) HandlePrim(c *gin.Context) {
	path, ok := h.pathParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	active, err := h.stage.IsActive(ctx, path)
	if err != nil {
		h.fail(c, "HandlePrim", err)
		return
	}
	children, err := h.stage.GetChildren(ctx, path)
	if err != nil {
		h.fail(c, "HandlePrim", err)
		return
	}
	props, err := h.stage.GetProperties(ctx, path)
	if err != nil {
		h.fail(c, "HandlePrim", err)
		return
	}
	resp := PrimResponse{
		Path:       path.String(),
		Active:     active,
		Children:   names(children),
		Properties: names(props),
	}
	if !path.IsAbsoluteRoot() {
		if v, found, err := h.stage.GetValue(ctx, path, layer.FieldTypeName, scene.DefaultTime); err == nil && found {
			resp.TypeName, _ = v.(string)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleValue handles GET /values/*path.
//
// Query Parameters:
//
//	field: field name, defaults to the attribute value on property paths
//	time:  time code, omitted for the default time
//	trace: "true" returns the resolution trace instead of the value
func (h *Handlers) HandleValue(c *gin.Context) {
	path, ok := h.pathParam(c)
	if !ok {
		return
	}
	t, timePtr, ok := h.timeParam(c)
	if !ok {
		return
	}
	field := c.Query("field")
	ctx := c.Request.Context()

	if traced, _ := strconv.ParseBool(c.Query("trace")); traced {
		_, trace, err := h.stage.ResolveWithTrace(ctx, path, field, t)
		if err != nil {
			h.fail(c, "HandleValue", err)
			return
		}
		c.JSON(http.StatusOK, trace)
		return
	}

	value, found, err := h.stage.GetValue(ctx, path, field, t)
	if err != nil {
		h.fail(c, "HandleValue", err)
		return
	}
	c.JSON(http.StatusOK, ValueResponse{
		Path:  path.String(),
		Field: field,
		Time:  timePtr,
		Found: found,
		Value: value,
	})
}

// HandleSamples handles GET /samples/*path. Optional lo and hi query
// parameters restrict the result to a closed interval.
func (h *Handlers) HandleSamples(c *gin.Context) {
	path, ok := h.pathParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var times []float64
	var err error
	loText, hiText := c.Query("lo"), c.Query("hi")
	if loText != "" || hiText != "" {
		lo, errLo := strconv.ParseFloat(loText, 64)
		hi, errHi := strconv.ParseFloat(hiText, 64)
		if errLo != nil || errHi != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "lo and hi must both be numbers", Code: "INVALID_INTERVAL"})
			return
		}
		times, err = h.stage.GetTimeSamplesInInterval(ctx, path, lo, hi)
	} else {
		times, err = h.stage.GetTimeSamples(ctx, path)
	}
	if err != nil {
		h.fail(c, "HandleSamples", err)
		return
	}
	if times == nil {
		times = []float64{}
	}
	c.JSON(http.StatusOK, SamplesResponse{Path: path.String(), Times: times})
}

// HandleIndex handles GET /index/*path.
func (h *Handlers) HandleIndex(c *gin.Context) {
	path, ok := h.pathParam(c)
	if !ok {
		return
	}
	idx, err := h.stage.GetComposedIndex(c.Request.Context(), path)
	if err != nil {
		h.fail(c, "HandleIndex", err)
		return
	}
	resp := IndexResponse{
		Path:              path.String(),
		Nodes:             idx.Signature(),
		VariantSelections: idx.VariantSelections(),
		HasPayload:        idx.HasPayload(),
		PayloadIncluded:   idx.PayloadIncluded(),
	}
	for _, e := range idx.Errors() {
		resp.Errors = append(resp.Errors, e.Error())
	}
	c.JSON(http.StatusOK, resp)
}

// HandleLayerStack handles GET /layerstack.
func (h *Handlers) HandleLayerStack(c *gin.Context) {
	stack, err := h.stage.LayerStack(c.Request.Context())
	if err != nil {
		h.fail(c, "HandleLayerStack", err)
		return
	}
	resp := LayerStackResponse{Identifier: stack.Identifier()}
	for i := 0; i < stack.Len(); i++ {
		l, offset := stack.LayerAt(i)
		resp.Layers = append(resp.Layers, LayerEntry{
			Identifier: l.Identifier(),
			Offset:     offset.Offset,
			Scale:      offset.Scale,
			Dirty:      l.IsDirty(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) pathParam(c *gin.Context) (sdfpath.Path, bool) {
	raw := c.Param("path")
	if raw == "" || raw == "/" {
		return sdfpath.AbsoluteRoot(), true
	}
	path, err := sdfpath.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil || !path.IsAbsolute() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid scene path " + strconv.Quote(raw), Code: "INVALID_PATH"})
		return sdfpath.Path{}, false
	}
	return path, true
}

func (h *Handlers) timeParam(c *gin.Context) (scene.TimeCode, *float64, bool) {
	text := c.Query("time")
	if text == "" || text == "default" {
		return scene.DefaultTime, nil, true
	}
	t, err := strconv.ParseFloat(text, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "time must be a number", Code: "INVALID_TIME"})
		return 0, nil, false
	}
	return scene.TimeCode(t), &t, true
}

func (h *Handlers) fail(c *gin.Context, handler string, err error) {
	status, code := http.StatusInternalServerError, "QUERY_FAILED"
	switch {
	case errors.Is(err, scene.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, layer.ErrInvalidPath), errors.Is(err, sdfpath.ErrInvalidPath):
		status, code = http.StatusBadRequest, "INVALID_PATH"
	case errors.Is(err, scene.ErrClosed):
		status, code = http.StatusServiceUnavailable, "STAGE_CLOSED"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("query failed", "handler", handler, "path", c.Request.URL.Path, "error", err)
	} else {
		h.logger.Debug("query rejected", "handler", handler, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func names(paths []sdfpath.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Name()
	}
	return out
}
