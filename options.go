package scene

import (
	"log/slog"
	"maps"

	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/activity"
)

// Option configures a Stage.
type Option func(*stageConfig)

type stageConfig struct {
	registry      *layer.Registry
	session       *layer.Layer
	logger        *slog.Logger
	engine        *exprvar.Engine
	evaluator     exprvar.Evaluator
	programCache  exprvar.ProgramCache
	loadPolicy    LoadPolicy
	interpolation Interpolation
	fallbacks     map[string][]string
	variables     map[string]any
	shards        int

	activityHooks  activity.Hooks
	activityConfig activity.Config
}

func applyOptions(opts []Option) stageConfig {
	cfg := stageConfig{
		logger:         slog.New(slog.DiscardHandler),
		activityConfig: activity.Config{Enabled: true},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithRegistry sets the registry used to open the root layer. Open creates a
// registry without storage when none is given.
func WithRegistry(reg *layer.Registry) Option {
	return func(cfg *stageConfig) {
		cfg.registry = reg
	}
}

// WithLogger sets the stage logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *stageConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithEvaluator configures the evaluator for expression-valued asset paths
// and variant selections.
func WithEvaluator(e exprvar.Evaluator) Option {
	return func(cfg *stageConfig) {
		cfg.evaluator = e
	}
}

// WithExpressionEngine sets a prebuilt expression engine. It takes
// precedence over WithEvaluator.
func WithExpressionEngine(engine *exprvar.Engine) Option {
	return func(cfg *stageConfig) {
		cfg.engine = engine
	}
}

// WithLoadPolicy sets the payload policy for prims without a load rule.
func WithLoadPolicy(policy LoadPolicy) Option {
	return func(cfg *stageConfig) {
		cfg.loadPolicy = policy
	}
}

// WithInterpolation sets how values between time samples resolve.
func WithInterpolation(mode Interpolation) Option {
	return func(cfg *stageConfig) {
		cfg.interpolation = mode
	}
}

// WithVariantFallbacks sets, per variant set, the selections tried when no
// opinion selects a variant.
func WithVariantFallbacks(fallbacks map[string][]string) Option {
	cloned := maps.Clone(fallbacks)
	return func(cfg *stageConfig) {
		cfg.fallbacks = cloned
	}
}
