// Package hydrate turns loosely typed document payloads, such as a parsed
// YAML layer file, into typed structs. A Decoder runs in three steps:
// normalize the payload, decode it, then check the result.
package hydrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Source identifies the document being decoded.
type Source struct {
	// Name is the layer identifier or file name the payload came from.
	Name string
	// Format names the document format and version, such as "scene/1".
	Format string
}

// Step names the part of the pipeline that failed.
type Step string

const (
	StepNormalize Step = "normalize"
	StepDecode    Step = "decode"
	StepCheck     Step = "check"
)

// ErrNilPayload is returned for a nil payload.
var ErrNilPayload = errors.New("hydrate: payload is nil")

// Error reports the failing step and document.
type Error struct {
	Source string
	Step   Step
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hydrate: %s %q: %v", e.Step, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Decoder converts payloads into T. The zero value decodes with
// encoding/json and no extra steps.
type Decoder[T any] struct {
	// Normalize functions rewrite the payload in order. They receive a deep
	// copy, so the caller's map is never modified.
	Normalize []func(Source, map[string]any) error
	// Decode replaces the JSON decoding step when set.
	Decode func(Source, map[string]any) (T, error)
	// Check functions validate or complete the decoded value in order.
	Check []func(Source, *T) error

	// Strict rejects payload keys that T does not declare.
	Strict bool
	// Numbers decodes numbers held in interface values as json.Number.
	Numbers bool
}

// Run normalizes, decodes and checks payload.
func (d *Decoder[T]) Run(src Source, payload map[string]any) (T, error) {
	var zero T
	if payload == nil {
		return zero, fmt.Errorf("%w for %q", ErrNilPayload, src.Name)
	}
	fail := func(step Step, err error) (T, error) {
		return zero, &Error{Source: src.Name, Step: step, Err: err}
	}

	doc := cloneMap(payload)
	for _, fn := range d.Normalize {
		if err := fn(src, doc); err != nil {
			return fail(StepNormalize, err)
		}
	}

	var out T
	var err error
	if d.Decode != nil {
		out, err = d.Decode(src, doc)
	} else {
		out, err = d.decodeJSON(doc)
	}
	if err != nil {
		return fail(StepDecode, err)
	}

	for _, fn := range d.Check {
		if err := fn(src, &out); err != nil {
			return fail(StepCheck, err)
		}
	}
	return out, nil
}

func (d *Decoder[T]) decodeJSON(doc map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if d.Strict {
		dec.DisallowUnknownFields()
	}
	if d.Numbers {
		dec.UseNumber()
	}
	err = dec.Decode(&out)
	return out, err
}

// cloneMap copies the map and slice structure of a parsed document. Leaf
// values are shared.
func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
