package openapi

import (
	"encoding"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

var textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()

// componentRegistry publishes named struct types under components.schemas
// and hands out references to them.
type componentRegistry struct {
	names     map[reflect.Type]string
	schemas   map[string]map[string]any
	usedNames map[string]struct{}
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{
		names:     map[reflect.Type]string{},
		schemas:   map[string]map[string]any{},
		usedNames: map[string]struct{}{},
	}
}

func refTo(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

// publish stores schema under name, replacing nothing: a taken name gets a
// numeric suffix.
func (r *componentRegistry) publish(name string, schema map[string]any) string {
	name = r.uniqueName(name)
	r.schemas[name] = schema
	return name
}

// component publishes rt under name. A named struct is published flat, and
// later references to the same type point at name.
func (r *componentRegistry) component(name string, rt reflect.Type) string {
	for rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == nil || rt.Kind() != reflect.Struct || rt.Name() == "" || rt.NumField() == 0 ||
		rt.Implements(textMarshalerType) || reflect.PointerTo(rt).Implements(textMarshalerType) {
		return r.publish(name, r.schemaFor(rt))
	}
	name = r.uniqueName(name)
	if _, seen := r.names[rt]; !seen {
		r.names[rt] = name
	}
	r.schemas[name] = r.structSchema(rt)
	return name
}

// reference returns a $ref to the component for the named struct type rt,
// building it on first use.
func (r *componentRegistry) reference(rt reflect.Type) map[string]any {
	if name, ok := r.names[rt]; ok {
		return refTo(name)
	}
	name := r.uniqueName(typeName(rt))
	r.names[rt] = name
	r.schemas[name] = r.structSchema(rt)
	return refTo(name)
}

// schemaFor maps a Go type to its JSON schema.
func (r *componentRegistry) schemaFor(rt reflect.Type) map[string]any {
	if rt == nil {
		return map[string]any{}
	}
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Implements(textMarshalerType) || reflect.PointerTo(rt).Implements(textMarshalerType) {
		return map[string]any{"type": "string"}
	}

	switch rt.Kind() {
	case reflect.Interface:
		return map[string]any{}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return map[string]any{"type": "integer", "format": "int32"}
	case reflect.Int64, reflect.Uint64, reflect.Uintptr:
		return map[string]any{"type": "integer", "format": "int64"}
	case reflect.Float32:
		return map[string]any{"type": "number", "format": "float"}
	case reflect.Float64:
		return map[string]any{"type": "number", "format": "double"}
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Array:
		return map[string]any{
			"type":     "array",
			"items":    r.schemaFor(rt.Elem()),
			"minItems": rt.Len(),
			"maxItems": rt.Len(),
		}
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "format": "byte"}
		}
		return map[string]any{"type": "array", "items": r.schemaFor(rt.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": r.schemaFor(rt.Elem())}
	case reflect.Struct:
		if rt.NumField() == 0 {
			return map[string]any{"type": "object"}
		}
		if rt.Name() == "" {
			return r.structSchema(rt)
		}
		return r.reference(rt)
	}
	return map[string]any{}
}

func (r *componentRegistry) structSchema(rt reflect.Type) map[string]any {
	properties := map[string]any{}
	var required []string
	for i := range rt.NumField() {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := parseJSONName(field)
		if skip {
			continue
		}
		properties[name] = r.schemaFor(field.Type)
		if !omitEmpty && field.Type.Kind() != reflect.Pointer {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func parseJSONName(field reflect.StructField) (name string, omitEmpty bool, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false, false
	}
	segments := strings.Split(tag, ",")
	if segments[0] == "-" {
		return "", false, true
	}
	name = segments[0]
	if name == "" {
		name = field.Name
	}
	for _, segment := range segments[1:] {
		if segment == "omitempty" || segment == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func (r *componentRegistry) uniqueName(name string) string {
	safe := sanitizeComponentName(name)
	if safe == "" {
		safe = "Schema"
	}
	if _, exists := r.usedNames[safe]; !exists {
		r.usedNames[safe] = struct{}{}
		return safe
	}
	for suffix := 1; ; suffix++ {
		candidate := fmt.Sprintf("%s%d", safe, suffix)
		if _, exists := r.usedNames[candidate]; !exists {
			r.usedNames[candidate] = struct{}{}
			return candidate
		}
	}
}

func (r *componentRegistry) componentsMap() map[string]any {
	out := make(map[string]any, len(r.schemas))
	for name, schema := range r.schemas {
		out[name] = schema
	}
	return out
}

var (
	qualifierRegexp     = regexp.MustCompile(`[A-Za-z0-9_\-./]*\.`)
	componentNameRegexp = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
)

// typeName drops package qualifiers, so ListOp[.../layer.Reference] becomes
// ListOp[Reference].
func typeName(rt reflect.Type) string {
	if rt.Name() == "" {
		return "Object"
	}
	return qualifierRegexp.ReplaceAllString(rt.Name(), "")
}

func sanitizeComponentName(name string) string {
	name = strings.Trim(componentNameRegexp.ReplaceAllString(name, "_"), "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}
