// Package format reads and writes layers as YAML documents.
//
// A document lists every spec in namespace pre-order, starting with the
// pseudo-root whose fields hold the layer metadata:
//
//	format: scene/1
//	specs:
//	  - path: /
//	    type: pseudoRoot
//	    fields:
//	      defaultPrim: World
//	  - path: /World
//	    type: prim
//	    fields:
//	      specifier: {type: specifier, value: def}
//	    children: [Chair]
//
// Field values are {type, value} envelopes. Bools, strings and doubles may
// be written bare.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-scene/internal/hydrate"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/sdfpath"
)

// Version is the document format written by Marshal.
const Version = "scene/1"

// Extensions lists the file extensions recognised as layer documents.
var Extensions = []string{".scene.yaml", ".yaml", ".yml"}

// IsLayerFile reports whether name has a layer document extension.
func IsLayerFile(name string) bool {
	lower := strings.ToLower(path.Base(name))
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

type documentOut struct {
	Format string    `yaml:"format"`
	Specs  []specOut `yaml:"specs"`
}

type specOut struct {
	Path        string         `yaml:"path"`
	Type        string         `yaml:"type"`
	Fields      map[string]any `yaml:"fields,omitempty"`
	Children    []string       `yaml:"children,omitempty,flow"`
	Properties  []string       `yaml:"properties,omitempty,flow"`
	VariantSets []string       `yaml:"variantSets,omitempty,flow"`
}

type documentIn struct {
	Format string   `json:"format"`
	Specs  []specIn `json:"specs"`
}

type specIn struct {
	Path        string                     `json:"path"`
	Type        string                     `json:"type"`
	Fields      map[string]json.RawMessage `json:"fields"`
	Children    []string                   `json:"children"`
	Properties  []string                   `json:"properties"`
	VariantSets []string                   `json:"variantSets"`
}

// Marshal encodes layer data as a YAML document.
func Marshal(data layer.Data) ([]byte, error) {
	doc := documentOut{Format: Version, Specs: make([]specOut, 0, len(data.Specs))}
	for _, spec := range data.Specs {
		out := specOut{
			Path:        spec.Path.String(),
			Type:        spec.Type.String(),
			Children:    spec.Children,
			Properties:  spec.Properties,
			VariantSets: spec.VariantSets,
		}
		if len(spec.Fields) > 0 {
			out.Fields = make(map[string]any, len(spec.Fields))
			for name, value := range spec.Fields {
				encoded, err := encodeValue(value)
				if err != nil {
					return nil, fmt.Errorf("format: %s field %q: %w", spec.Path, name, err)
				}
				out.Fields[name] = encoded
			}
		}
		doc.Specs = append(doc.Specs, out)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("format: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("format: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a YAML document into layer data. Malformed documents
// wrap layer.ErrParse.
func Unmarshal(raw []byte) (layer.Data, error) {
	return UnmarshalSource("", raw)
}

// UnmarshalSource is Unmarshal with the document's origin used in errors.
func UnmarshalSource(source string, raw []byte) (layer.Data, error) {
	var payload map[string]any
	if err := yaml.Unmarshal(raw, &payload); err != nil {
		return layer.Data{}, fmt.Errorf("%w: %s: %v", layer.ErrParse, source, err)
	}
	if payload == nil {
		return layer.Data{}, fmt.Errorf("%w: %s: empty document", layer.ErrParse, source)
	}

	doc, err := documentDecoder.Run(hydrate.Source{Name: source, Format: Version}, payload)
	if err != nil {
		return layer.Data{}, fmt.Errorf("%w: %w", layer.ErrParse, err)
	}
	return toData(doc)
}

var documentDecoder = &hydrate.Decoder[documentIn]{
	Normalize: []func(hydrate.Source, map[string]any) error{defaultSpecTypes},
	Check:     []func(hydrate.Source, *documentIn) error{checkVersion},
	Strict:    true,
}

// defaultSpecTypes fills in omitted spec types: the root path holds the
// pseudo-root and any other spec defaults to a prim.
func defaultSpecTypes(_ hydrate.Source, payload map[string]any) error {
	specs, _ := payload["specs"].([]any)
	for i, item := range specs {
		spec, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("spec %d is not a mapping", i)
		}
		if _, ok := spec["type"]; ok {
			continue
		}
		if spec["path"] == "/" {
			spec["type"] = layer.SpecTypePseudoRoot.String()
		} else {
			spec["type"] = layer.SpecTypePrim.String()
		}
	}
	return nil
}

func checkVersion(src hydrate.Source, doc *documentIn) error {
	switch doc.Format {
	case "":
		doc.Format = src.Format
	case src.Format:
	default:
		return fmt.Errorf("unsupported format %q, want %q", doc.Format, src.Format)
	}
	return nil
}

func toData(doc documentIn) (layer.Data, error) {
	out := layer.Data{Specs: make([]layer.SpecData, 0, len(doc.Specs))}
	for _, spec := range doc.Specs {
		p, err := sdfpath.Parse(spec.Path)
		if err != nil {
			return layer.Data{}, fmt.Errorf("%w: %w", layer.ErrParse, err)
		}
		kind, err := layer.ParseSpecType(spec.Type)
		if err != nil {
			return layer.Data{}, fmt.Errorf("%s: %w", spec.Path, err)
		}
		entry := layer.SpecData{
			Path:        p,
			Type:        kind,
			Children:    spec.Children,
			Properties:  spec.Properties,
			VariantSets: spec.VariantSets,
		}
		if len(spec.Fields) > 0 {
			entry.Fields = make(map[string]any, len(spec.Fields))
			for name, raw := range spec.Fields {
				value, err := decodeValue(raw)
				if err != nil {
					return layer.Data{}, fmt.Errorf("%s field %q: %w", spec.Path, name, err)
				}
				entry.Fields[name] = value
			}
		}
		out.Specs = append(out.Specs, entry)
	}
	return out, nil
}

// Read parses a document from r and imports it into l, replacing its content.
func Read(r io.Reader, l *layer.Layer) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	data, err := UnmarshalSource(l.Identifier(), raw)
	if err != nil {
		return err
	}
	return l.Import(data)
}

// Write encodes the content of l to w.
func Write(w io.Writer, l *layer.Layer) error {
	raw, err := Marshal(l.Export())
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %v", layer.ErrIO, err)
	}
	return nil
}
