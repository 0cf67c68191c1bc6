// Package openapi renders OpenAPI documents for the stage HTTP API. Layer
// fields and attribute value types of a layer.Schema are published as
// components next to the registered operations.
package openapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-scene/layer"
)

// Component names reserved for the layer schema.
const (
	LayerFieldsComponent = "LayerFields"
	ValueTypesComponent  = "ValueTypes"
)

// Generator builds OpenAPI documents.
type Generator struct {
	config generatorConfig
}

// NewGenerator constructs a generator configured by opts.
func NewGenerator(opts ...GeneratorOption) *Generator {
	cfg := defaultGeneratorConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Generator{config: cfg}
}

// Generate returns the document for schema. A nil schema uses
// layer.DefaultSchema.
func (g *Generator) Generate(schema *layer.Schema) (map[string]any, error) {
	if schema == nil {
		schema = layer.DefaultSchema()
	}
	registry := newComponentRegistry()
	registry.publish(LayerFieldsComponent, fieldsSchema(registry, schema))
	registry.publish(ValueTypesComponent, valueTypesSchema(registry, schema))
	for _, c := range g.config.components {
		if _, taken := registry.usedNames[c.name]; taken {
			return nil, fmt.Errorf("openapi: component %q already defined", c.name)
		}
		registry.component(c.name, c.typ)
	}

	info := map[string]any{
		"title":   g.config.info.Title,
		"version": g.config.info.Version,
	}
	if g.config.info.Description != "" {
		info["description"] = g.config.info.Description
	}
	document := map[string]any{
		"openapi": g.config.openAPIVersion,
		"info":    info,
		"paths":   g.buildPaths(),
		"components": map[string]any{
			"schemas": registry.componentsMap(),
		},
	}
	if err := validateDocument(document); err != nil {
		return nil, err
	}
	return document, nil
}

func fieldsSchema(registry *componentRegistry, schema *layer.Schema) map[string]any {
	properties := map[string]any{}
	for _, name := range schema.Fields() {
		def, _ := schema.Field(name)
		s := registry.schemaFor(def.Type)
		if def.Type == nil {
			s = map[string]any{"description": "typed by the owning attribute"}
		}
		s["x-scene-shape"] = shapeName(def.Shape)
		if def.Affects == layer.AffectsComposition {
			s["x-scene-affects"] = "composition"
		} else {
			s["x-scene-affects"] = "value"
		}
		if len(def.AppliesTo) > 0 {
			kinds := make([]string, len(def.AppliesTo))
			for i, kind := range def.AppliesTo {
				kinds[i] = kind.String()
			}
			s["x-scene-applies-to"] = kinds
		}
		properties[name] = withoutRef(s)
	}
	return map[string]any{"type": "object", "properties": properties}
}

func valueTypesSchema(registry *componentRegistry, schema *layer.Schema) map[string]any {
	properties := map[string]any{}
	for _, name := range schema.ValueTypeNames() {
		typ, _ := schema.ValueType(name)
		properties[name] = registry.schemaFor(typ)
	}
	return map[string]any{"type": "object", "properties": properties}
}

// withoutRef wraps a $ref so sibling extension keys stay valid in 3.0.
func withoutRef(s map[string]any) map[string]any {
	ref, ok := s["$ref"]
	if !ok {
		return s
	}
	out := map[string]any{"allOf": []any{map[string]any{"$ref": ref}}}
	for k, v := range s {
		if k != "$ref" {
			out[k] = v
		}
	}
	return out
}

func shapeName(shape layer.ValueShape) string {
	switch shape {
	case layer.ShapeListOp:
		return "listop"
	case layer.ShapeDictionary:
		return "dictionary"
	case layer.ShapeTimeSamples:
		return "timesamples"
	default:
		return "plain"
	}
}

func (g *Generator) buildPaths() map[string]any {
	paths := map[string]any{}
	for _, op := range g.config.operations {
		item, _ := paths[op.Path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[op.Path] = item
		}
		item[op.Method] = g.buildOperation(op)
	}
	return paths
}

func (g *Generator) buildOperation(op operationConfig) map[string]any {
	ok := map[string]any{"description": "OK"}
	if op.Response != "" {
		ok["content"] = map[string]any{
			g.config.contentType: map[string]any{"schema": refTo(op.Response)},
		}
	}
	responses := map[string]any{
		"200":     ok,
		"default": g.errorResponse("Error"),
	}
	for _, e := range op.Errors {
		responses[e.Code] = g.errorResponse(e.Description)
	}
	operation := map[string]any{
		"operationId": op.OperationID,
		"responses":   responses,
	}
	if op.OperationID == "" {
		operation["operationId"] = fmt.Sprintf("%s:%s", op.Method, op.Path)
	}
	if summary := strings.TrimSpace(op.Summary); summary != "" {
		operation["summary"] = summary
	}
	if len(op.Parameters) > 0 {
		params := make([]any, 0, len(op.Parameters))
		for _, p := range op.Parameters {
			param := map[string]any{
				"name":     p.Name,
				"in":       p.In,
				"required": p.Required,
				"schema":   map[string]any{"type": p.Type},
			}
			if p.Description != "" {
				param["description"] = p.Description
			}
			params = append(params, param)
		}
		operation["parameters"] = params
	}
	return operation
}

func (g *Generator) errorResponse(description string) map[string]any {
	resp := map[string]any{"description": description}
	if g.config.errorComponent != "" {
		resp["content"] = map[string]any{
			g.config.contentType: map[string]any{"schema": refTo(g.config.errorComponent)},
		}
	}
	return resp
}

func validateDocument(document map[string]any) error {
	if openapi, _ := document["openapi"].(string); openapi == "" {
		return errors.New("openapi: document missing version string")
	}
	info, _ := document["info"].(map[string]any)
	if title, _ := info["title"].(string); title == "" {
		return errors.New("openapi: info.title must be set")
	}
	if version, _ := info["version"].(string); version == "" {
		return errors.New("openapi: info.version must be set")
	}
	components, _ := document["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	var missing []string
	collectRefs(document, func(ref string) {
		name := strings.TrimPrefix(ref, "#/components/schemas/")
		if _, ok := schemas[name]; !ok {
			missing = append(missing, ref)
		}
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("openapi: unresolved references %s", strings.Join(missing, ", "))
	}
	return nil
}

func collectRefs(v any, fn func(string)) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			if ref, ok := child.(string); ok && k == "$ref" {
				fn(ref)
				continue
			}
			collectRefs(child, fn)
		}
	case []any:
		for _, child := range node {
			collectRefs(child, fn)
		}
	}
}
