package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/listop"
	"github.com/goliatone/go-scene/sdfpath"
)

// ErrUnsupportedValue reports a field value with no registered type name.
var ErrUnsupportedValue = errors.New("format: unsupported value type")

// Value type names used by envelopes beyond the attribute value types.
const (
	TypeBlock          = "block"
	TypeDictionary     = "dictionary"
	TypeTimeSamples    = "timeSamples"
	TypeSpecifier      = "specifier"
	TypePath           = "path"
	TypePathListOp     = "pathListOp"
	TypeStringListOp   = "stringListOp"
	TypeReferenceList  = "referenceListOp"
	TypePayloadListOp  = "payloadListOp"
	TypeSelections     = "selections"
	TypeSubLayers      = "subLayers"
	TypeRelocates      = "relocates"
	TypeStringSequence = "string[]"
)

// envelope is the stored form of a typed value.
type envelope struct {
	Type  string `yaml:"type" json:"type"`
	Value any    `yaml:"value" json:"value"`
}

type sampleOut struct {
	Time  float64 `yaml:"time"`
	Value any     `yaml:"value"`
}

type sampleIn struct {
	Time  float64         `json:"time"`
	Value json.RawMessage `json:"value"`
}

// typeNames maps Go types to their canonical names. Aliases such as "token"
// and "quatd" decode through decodeTypes but encode under the canonical name.
var typeNames = map[reflect.Type]string{
	reflect.TypeFor[bool]():                            "bool",
	reflect.TypeFor[int]():                             "int",
	reflect.TypeFor[int64]():                           "int64",
	reflect.TypeFor[float32]():                         "float",
	reflect.TypeFor[float64]():                         "double",
	reflect.TypeFor[string]():                          "string",
	reflect.TypeFor[layer.AssetPath]():                 "asset",
	reflect.TypeFor[[2]float64]():                      "double2",
	reflect.TypeFor[[3]float64]():                      "double3",
	reflect.TypeFor[[4]float64]():                      "double4",
	reflect.TypeFor[[2]float32]():                      "float2",
	reflect.TypeFor[[3]float32]():                      "float3",
	reflect.TypeFor[[4]float32]():                      "float4",
	reflect.TypeFor[[16]float64]():                     "matrix4d",
	reflect.TypeFor[[]bool]():                          "bool[]",
	reflect.TypeFor[[]int]():                           "int[]",
	reflect.TypeFor[[]float64]():                       "double[]",
	reflect.TypeFor[[]float32]():                       "float[]",
	reflect.TypeFor[[]string]():                        TypeStringSequence,
	reflect.TypeFor[[]layer.AssetPath]():               "asset[]",
	reflect.TypeFor[[][3]float64]():                    "double3[]",
	reflect.TypeFor[[][3]float32]():                    "float3[]",
	reflect.TypeFor[layer.Specifier]():                 TypeSpecifier,
	reflect.TypeFor[sdfpath.Path]():                    TypePath,
	reflect.TypeFor[listop.ListOp[sdfpath.Path]]():     TypePathListOp,
	reflect.TypeFor[listop.ListOp[string]]():           TypeStringListOp,
	reflect.TypeFor[listop.ListOp[layer.Reference]](): TypeReferenceList,
	reflect.TypeFor[listop.ListOp[layer.Payload]]():   TypePayloadListOp,
	reflect.TypeFor[map[string]string]():               TypeSelections,
	reflect.TypeFor[listop.ListOp[layer.SubLayer]]():  TypeSubLayers,
	reflect.TypeFor[[]layer.Relocate]():                TypeRelocates,
}

var decodeTypes = func() map[string]reflect.Type {
	out := make(map[string]reflect.Type, len(typeNames)+3)
	for typ, name := range typeNames {
		out[name] = typ
	}
	out["token"] = reflect.TypeFor[string]()
	out["token[]"] = reflect.TypeFor[[]string]()
	out["quatd"] = reflect.TypeFor[[4]float64]()
	return out
}()

// TypeNames returns every value type name the codec accepts, sorted.
func TypeNames() []string {
	names := slices.Collect(maps.Keys(decodeTypes))
	names = append(names, TypeBlock, TypeDictionary, TypeTimeSamples)
	slices.Sort(names)
	return names
}

// encodeValue converts a field value into its stored form. Bools, strings and
// doubles are written bare; everything else is wrapped in an envelope.
func encodeValue(value any) (any, error) {
	switch v := value.(type) {
	case bool, string, float64:
		return v, nil
	case layer.ValueBlock:
		return envelope{Type: TypeBlock}, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			encoded, err := encodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = encoded
		}
		return envelope{Type: TypeDictionary, Value: out}, nil
	case layer.TimeSamples:
		out := make([]sampleOut, len(v))
		for i, sample := range v {
			encoded, err := encodeValue(sample.Value)
			if err != nil {
				return nil, fmt.Errorf("sample %g: %w", sample.Time, err)
			}
			out[i] = sampleOut{Time: sample.Time, Value: encoded}
		}
		return envelope{Type: TypeTimeSamples, Value: out}, nil
	case layer.Specifier:
		return envelope{Type: TypeSpecifier, Value: v.String()}, nil
	case sdfpath.Path:
		return envelope{Type: TypePath, Value: v.String()}, nil
	}

	name, ok := typeNames[reflect.TypeOf(value)]
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	switch reflect.TypeOf(value).Kind() {
	case reflect.Bool, reflect.Int, reflect.Int64, reflect.Float32, reflect.String, reflect.Array:
		return envelope{Type: name, Value: value}, nil
	}
	generic, err := toGeneric(value)
	if err != nil {
		return nil, err
	}
	return envelope{Type: name, Value: generic}, nil
}

// toGeneric flattens structured values to plain maps and slices using their
// JSON form, which carries the text encoding of paths.
func toGeneric(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeValue parses a stored value: either an envelope object or a bare
// bool, string or number. Bare numbers decode as doubles.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty value", layer.ErrParse)
	}
	var bare any
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("%w: %v", layer.ErrParse, err)
	}
	switch v := bare.(type) {
	case bool, string, float64:
		return v, nil
	case map[string]any:
	default:
		return nil, fmt.Errorf("%w: value must be a scalar or a {type, value} object, got %T", layer.ErrParse, bare)
	}

	var env struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", layer.ErrParse, err)
	}
	return decodeEnvelope(env.Type, env.Value)
}

func decodeEnvelope(name string, raw json.RawMessage) (any, error) {
	switch name {
	case "":
		return nil, fmt.Errorf("%w: value envelope without a type", layer.ErrParse)
	case TypeBlock:
		return layer.Block, nil
	case TypeDictionary:
		var items map[string]json.RawMessage
		if err := unmarshalRaw(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: dictionary: %v", layer.ErrParse, err)
		}
		out := make(map[string]any, len(items))
		for key, item := range items {
			value, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("dictionary key %q: %w", key, err)
			}
			out[key] = value
		}
		return out, nil
	case TypeTimeSamples:
		var samples []sampleIn
		if err := unmarshalRaw(raw, &samples); err != nil {
			return nil, fmt.Errorf("%w: time samples: %v", layer.ErrParse, err)
		}
		values := make(map[float64]any, len(samples))
		for _, sample := range samples {
			if _, dup := values[sample.Time]; dup {
				return nil, fmt.Errorf("%w: time %g sampled twice", layer.ErrParse, sample.Time)
			}
			value, err := decodeValue(sample.Value)
			if err != nil {
				return nil, fmt.Errorf("sample %g: %w", sample.Time, err)
			}
			values[sample.Time] = value
		}
		return layer.NewTimeSamples(values), nil
	case TypeSpecifier:
		var text string
		if err := unmarshalRaw(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: specifier: %v", layer.ErrParse, err)
		}
		return layer.ParseSpecifier(text)
	case TypeSubLayers:
		// a plain list is an explicit op
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			var subs []layer.SubLayer
			if err := json.Unmarshal(trimmed, &subs); err != nil {
				return nil, fmt.Errorf("%w: subLayers value: %v", layer.ErrParse, err)
			}
			return listop.Explicit(subs...), nil
		}
	}

	typ, ok := decodeTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown value type %q", layer.ErrParse, name)
	}
	target := reflect.New(typ)
	if err := unmarshalRaw(raw, target.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %s value: %v", layer.ErrParse, name, err)
	}
	return target.Elem().Interface(), nil
}

func unmarshalRaw(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing value")
	}
	return json.Unmarshal(raw, target)
}
