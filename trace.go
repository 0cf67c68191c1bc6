package scene

import (
	"context"
	"encoding/json"

	"github.com/goliatone/go-scene/compose"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/sdfpath"
)

// Trace captures, for one resolved field, every opinion that was consulted
// in strength order.
type Trace struct {
	Path   string       `json:"path"`
	Field  string       `json:"field"`
	Time   *float64     `json:"time,omitempty"`
	Layers []Provenance `json:"layers"`
}

// Provenance details how one layer site contributed to a traced field.
type Provenance struct {
	Layer   string    `json:"layer"`
	Version uint64    `json:"version"`
	Arc     string    `json:"arc"`
	Site    string    `json:"site"`
	Value   any       `json:"value,omitempty"`
	Samples []float64 `json:"samples,omitempty"`
	Found   bool      `json:"found"`
	// Winner marks the opinion that supplied the resolved value.
	Winner bool `json:"winner,omitempty"`
}

// ToJSON serialises the trace into JSON for logging or transport helpers.
func (t Trace) ToJSON() ([]byte, error) {
	type alias Trace
	return json.Marshal(alias(t))
}

// TraceFromJSON deserialises a JSON payload that was previously generated via
// ToJSON.
func TraceFromJSON(payload []byte) (Trace, error) {
	type alias Trace
	var trace alias
	if err := json.Unmarshal(payload, &trace); err != nil {
		return Trace{}, err
	}
	return Trace(trace), nil
}

// ResolveWithTrace resolves like GetValue and also reports every opinion
// consulted. The value is nil when the field resolves to nothing.
func (s *Stage) ResolveWithTrace(ctx context.Context, path sdfpath.Path, field string, t TimeCode) (any, Trace, error) {
	end := s.reg.BeginRead()
	defer end()
	q, err := s.query(ctx, path, field)
	if err != nil {
		return nil, Trace{}, err
	}

	trace := Trace{Path: path.String(), Field: field}
	if !t.IsDefault() {
		tt := float64(t)
		trace.Time = &tt
	}

	opinions := q.opinions()
	var value any
	var found bool
	winner := -1
	if q.isAttributeValue() {
		if q.field == layer.FieldDefault {
			t = DefaultTime
		}
		var src *compose.Opinion
		value, found, src = resolveAttribute(opinions, t, s.cfg.interpolation)
		if src != nil {
			winner = indexOfOpinion(opinions, *src)
		}
	} else {
		value, found = s.resolveField(opinions, q.field)
	}

	for i, op := range opinions {
		p := Provenance{
			Layer:   op.Layer.Identifier(),
			Version: op.Layer.Version(),
			Arc:     op.Node.Arc.String(),
			Site:    op.Path.String(),
		}
		if q.isAttributeValue() {
			if v, ok := op.Layer.GetField(op.Path, layer.FieldDefault); ok {
				p.Value, p.Found = v, true
			}
			if v, ok := op.Layer.ReadField(op.Path, layer.FieldTimeSamples); ok {
				if ts, ok := v.(layer.TimeSamples); ok {
					p.Samples = retime(ts, op.Offset).Times()
					p.Found = true
				}
			}
			p.Winner = i == winner
		} else if v, ok := op.Layer.GetField(op.Path, q.field); ok {
			p.Value, p.Found = v, true
			p.Winner = found && winner < 0
			if p.Winner {
				winner = i
			}
		}
		if layer.IsBlock(p.Value) {
			p.Value = "block"
		}
		trace.Layers = append(trace.Layers, p)
	}
	if !found {
		value = nil
	}
	return value, trace, nil
}

func indexOfOpinion(opinions []compose.Opinion, target compose.Opinion) int {
	for i, op := range opinions {
		if op.Layer == target.Layer && op.Path == target.Path && op.Node == target.Node {
			return i
		}
	}
	return -1
}
