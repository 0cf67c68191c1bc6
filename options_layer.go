package scene

import (
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/layering"
)

// WithSessionLayer places l above the root layer in the root layer stack.
func WithSessionLayer(l *layer.Layer) Option {
	return func(cfg *stageConfig) {
		cfg.session = l
	}
}

// WithVariableOverrides overrides expression variables authored on the root
// layer stack. Later calls are stronger than earlier ones; nested
// dictionaries merge key by key.
func WithVariableOverrides(vars map[string]any) Option {
	return func(cfg *stageConfig) {
		cfg.variables = layering.MergeDictionaries(layer.IsBlock, vars, cfg.variables)
	}
}
