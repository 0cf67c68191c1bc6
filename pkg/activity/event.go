// Package activity reports stage changes and layer saves to external hooks.
package activity

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Verb names a kind of scene activity.
type Verb string

const (
	LayerChanged  Verb = "scene.layer.changed"
	PrimsResynced Verb = "scene.prims.resynced"
	ValuesChanged Verb = "scene.values.changed"
	LayerSaved    Verb = "scene.layer.saved"
)

// Object types reported by Event.ObjectType.
const (
	ObjectLayer = "scene.layer"
	ObjectStage = "scene.stage"
)

func (v Verb) layerScoped() bool {
	return v == LayerChanged || v == LayerSaved
}

// LayerRef identifies the layer an event concerns.
type LayerRef struct {
	Identifier string
	Version    uint64
	Anonymous  bool
}

// Event is one change to a stage or to a layer it uses. Stage is the
// identifier of the stage's root layer.
type Event struct {
	Verb    Verb
	Stage   string
	BlockID string
	Layer   LayerRef
	Paths   []string
	Fields  []string

	ActorID  string
	UserID   string
	TenantID string
	Channel  string
	Metadata map[string]any

	OccurredAt time.Time
}

// ObjectType is ObjectLayer for layer edits and saves, ObjectStage otherwise.
func (e Event) ObjectType() string {
	if e.Verb.layerScoped() {
		return ObjectLayer
	}
	return ObjectStage
}

// ObjectID names the subject: the layer for layer-scoped verbs, then the
// stage, then the change block.
func (e Event) ObjectID() string {
	if e.Verb.layerScoped() && e.Layer.Identifier != "" {
		return e.Layer.Identifier
	}
	switch {
	case e.Stage != "":
		return e.Stage
	case e.BlockID != "":
		return e.BlockID
	}
	return e.ObjectType()
}

// Data flattens the scene context over a copy of Metadata. Scene keys win
// over metadata keys of the same name.
func (e Event) Data() map[string]any {
	data := maps.Clone(e.Metadata)
	set := func(key string, value any) {
		if data == nil {
			data = map[string]any{}
		}
		data[key] = value
	}
	if e.BlockID != "" {
		set("block_id", e.BlockID)
	}
	if e.Stage != "" {
		set("stage", e.Stage)
	}
	if e.Layer.Identifier != "" {
		set("layer", e.Layer.Identifier)
		set("layer_version", e.Layer.Version)
		if e.Layer.Anonymous {
			set("layer_anonymous", true)
		}
	}
	if len(e.Paths) > 0 {
		set("paths", slices.Clone(e.Paths))
		set("path_count", len(e.Paths))
	}
	if len(e.Fields) > 0 {
		set("fields", slices.Clone(e.Fields))
	}
	return data
}

// Valid reports whether the event names a verb.
func (e Event) Valid() bool {
	return strings.TrimSpace(string(e.Verb)) != ""
}

// Normalize returns a copy whose identifiers are trimmed, whose slices and
// metadata no longer alias the receiver and whose timestamp is set.
func (e Event) Normalize() Event {
	out := e
	out.Verb = Verb(strings.TrimSpace(string(e.Verb)))
	out.Stage = strings.TrimSpace(e.Stage)
	out.BlockID = strings.TrimSpace(e.BlockID)
	out.Layer.Identifier = strings.TrimSpace(e.Layer.Identifier)
	out.ActorID = strings.TrimSpace(e.ActorID)
	out.UserID = strings.TrimSpace(e.UserID)
	out.TenantID = strings.TrimSpace(e.TenantID)
	out.Channel = strings.TrimSpace(e.Channel)
	out.Paths = cloneStrings(e.Paths)
	out.Fields = cloneStrings(e.Fields)
	if len(e.Metadata) > 0 {
		out.Metadata = maps.Clone(e.Metadata)
	} else {
		out.Metadata = nil
	}
	if out.OccurredAt.IsZero() {
		out.OccurredAt = time.Now()
	}
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return slices.Clone(in)
}

// AddField appends field to fields unless it is empty or already present.
func AddField(fields []string, field string) []string {
	if field == "" || slices.Contains(fields, field) {
		return fields
	}
	return append(fields, field)
}
