package openapi

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/goliatone/go-scene/layer"
)

type primResponse struct {
	Path     string   `json:"path"`
	Children []string `json:"children,omitempty"`
	Offset   layer.LayerOffset
}

type problem struct {
	Error string `json:"error"`
}

type batch struct {
	Failures []problem `json:"failures"`
}

func schemas(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	components, _ := doc["components"].(map[string]any)
	out, _ := components["schemas"].(map[string]any)
	if out == nil {
		t.Fatalf("expected component schemas, got %#v", doc["components"])
	}
	return out
}

func properties(t *testing.T, schema any) map[string]any {
	t.Helper()
	m, _ := schema.(map[string]any)
	props, _ := m["properties"].(map[string]any)
	if props == nil {
		t.Fatalf("expected properties in %#v", schema)
	}
	return props
}

func TestNewGeneratorOptions(t *testing.T) {
	g := NewGenerator(
		WithOpenAPIVersion("3.1.0"),
		WithInfo("Custom Service", "2.0.0", WithInfoDescription("custom schema")),
		WithOperation("/prims/{path}", "GET", "getPrim",
			WithOperationSummary("Composed children"),
			WithPathParameter("path", "prim path"),
			WithQueryParameter("time", "number", "time code"),
		),
		WithContentType("application/yaml"),
	)
	cfg := g.config
	if cfg.openAPIVersion != "3.1.0" || cfg.info.Title != "Custom Service" || cfg.info.Version != "2.0.0" {
		t.Fatalf("unexpected document config %+v", cfg)
	}
	if cfg.info.Description != "custom schema" {
		t.Fatalf("expected info description, got %q", cfg.info.Description)
	}
	if len(cfg.operations) != 1 {
		t.Fatalf("expected one operation, got %d", len(cfg.operations))
	}
	op := cfg.operations[0]
	if op.Method != "get" || op.OperationID != "getPrim" || op.Summary != "Composed children" {
		t.Fatalf("unexpected operation %+v", op)
	}
	if len(op.Parameters) != 2 || !op.Parameters[0].Required || op.Parameters[1].In != "query" {
		t.Fatalf("unexpected parameters %+v", op.Parameters)
	}
	if cfg.contentType != "application/yaml" {
		t.Fatalf("expected content type override, got %q", cfg.contentType)
	}
}

func TestGeneratePublishesLayerFields(t *testing.T) {
	doc, err := NewGenerator().Generate(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	all := schemas(t, doc)
	fields := properties(t, all[LayerFieldsComponent])

	refs, _ := fields[layer.FieldReferences].(map[string]any)
	if refs["x-scene-shape"] != "listop" || refs["x-scene-affects"] != "composition" {
		t.Fatalf("unexpected references field schema %#v", refs)
	}
	if _, ok := all["ListOp_Reference"]; !ok {
		t.Fatalf("expected a ListOp_Reference component, got %v", keys(all))
	}
	doc2, _ := fields[layer.FieldDocumentation].(map[string]any)
	if doc2["type"] != "string" || doc2["x-scene-affects"] != "value" {
		t.Fatalf("unexpected documentation field schema %#v", doc2)
	}
	dflt, _ := fields[layer.FieldDefault].(map[string]any)
	if dflt["description"] == nil {
		t.Fatalf("default field should defer to the attribute type, got %#v", dflt)
	}

	types := properties(t, all[ValueTypesComponent])
	double3, _ := types["double3"].(map[string]any)
	if double3["type"] != "array" || double3["minItems"] != 3 || double3["maxItems"] != 3 {
		t.Fatalf("unexpected double3 schema %#v", double3)
	}
	asset, _ := types["asset"].(map[string]any)
	if asset["type"] != "string" {
		t.Fatalf("unexpected asset schema %#v", asset)
	}
}

func TestGenerateOperationsAndComponents(t *testing.T) {
	g := NewGenerator(
		WithComponent("Prim", primResponse{}),
		WithOperation("/prims/{path}", "get", "", WithResponseComponent("Prim")),
	)
	doc, err := g.Generate(layer.DefaultSchema())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	item, _ := paths["/prims/{path}"].(map[string]any)
	op, _ := item["get"].(map[string]any)
	if op["operationId"] != "get:/prims/{path}" {
		t.Fatalf("expected default operation id, got %v", op["operationId"])
	}

	prim := schemas(t, doc)["Prim"]
	if _, wrapped := prim.(map[string]any)["allOf"]; wrapped {
		t.Fatalf("named components must be published flat, got %v", prim)
	}
	props := properties(t, prim)
	if _, ok := props["children"]; !ok {
		t.Fatalf("expected json field names, got %v", keys(props))
	}
	required, _ := prim.(map[string]any)["required"].([]string)
	if strings.Join(required, ",") != "path,Offset" {
		t.Fatalf("unexpected required fields %v", required)
	}

	if _, err := json.Marshal(doc); err != nil {
		t.Fatalf("document must encode as JSON: %v", err)
	}
}

func TestComponentsReferenceEachOtherByName(t *testing.T) {
	g := NewGenerator(
		WithComponent("Problem", problem{}),
		WithComponent("Batch", batch{}),
	)
	doc, err := g.Generate(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	all := schemas(t, doc)
	if _, ok := all["problem"]; ok {
		t.Fatalf("a named component must not be published twice")
	}
	failures, _ := properties(t, all["Batch"])["failures"].(map[string]any)
	items, _ := failures["items"].(map[string]any)
	if items["$ref"] != "#/components/schemas/Problem" {
		t.Fatalf("expected a reference to Problem, got %v", failures)
	}
}

func TestGenerateErrorResponses(t *testing.T) {
	g := NewGenerator(
		WithComponent("Problem", problem{}),
		WithErrorComponent("Problem"),
		WithOperation("/layers", "get", "listLayers",
			WithErrorStatus(404, ""),
			WithErrorStatus(503, "stage closed"),
			WithErrorStatus(503, "stage shutting down"),
		),
	)
	doc, err := g.Generate(nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	item, _ := paths["/layers"].(map[string]any)
	op, _ := item["get"].(map[string]any)
	responses, _ := op["responses"].(map[string]any)

	notFound, _ := responses["404"].(map[string]any)
	if notFound["description"] != "Not Found" {
		t.Fatalf("expected status text description, got %#v", notFound)
	}
	unavailable, _ := responses["503"].(map[string]any)
	if unavailable["description"] != "stage shutting down" {
		t.Fatalf("expected the last description to win, got %#v", unavailable)
	}
	dflt, _ := responses["default"].(map[string]any)
	content, _ := dflt["content"].(map[string]any)
	media, _ := content["application/json"].(map[string]any)
	schema, _ := media["schema"].(map[string]any)
	if schema["$ref"] != "#/components/schemas/Problem" {
		t.Fatalf("expected error responses to reference Problem, got %#v", dflt)
	}
}

func TestGenerateRejectsMissingErrorComponent(t *testing.T) {
	g := NewGenerator(WithErrorComponent("Nope"), WithOperation("/x", "get", "x"))
	if _, err := g.Generate(nil); err == nil || !strings.Contains(err.Error(), "Nope") {
		t.Fatalf("expected unresolved reference error, got %v", err)
	}
}

func TestGenerateRejectsDanglingReferences(t *testing.T) {
	g := NewGenerator(WithOperation("/x", "get", "x", WithResponseComponent("Missing")))
	if _, err := g.Generate(nil); err == nil || !strings.Contains(err.Error(), "Missing") {
		t.Fatalf("expected unresolved reference error, got %v", err)
	}
}

func TestGenerateRejectsReservedComponentNames(t *testing.T) {
	g := NewGenerator(WithComponent(LayerFieldsComponent, primResponse{}))
	if _, err := g.Generate(nil); err == nil {
		t.Fatalf("expected a duplicate component error")
	}
}

func TestSanitizeComponentName(t *testing.T) {
	cases := map[string]string{
		"ListOp[Reference]": "ListOp_Reference",
		"9lives":            "_9lives",
		"__":                "",
	}
	for in, want := range cases {
		if got := sanitizeComponentName(in); got != want {
			t.Fatalf("sanitize %q: expected %q, got %q", in, want, got)
		}
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
