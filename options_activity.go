package scene

import (
	"slices"

	"github.com/goliatone/go-scene/pkg/activity"
)

// WithActivityHooks appends hooks that receive an event for every delivered
// change notice and saved layer. Nil hooks are ignored.
func WithActivityHooks(hooks ...activity.Hook) Option {
	return func(cfg *stageConfig) {
		cfg.activityHooks = append(cfg.activityHooks, activity.Hooks(hooks).Compact()...)
	}
}

// WithActivityConfig replaces the emission settings. Hooks stay silent when
// c.Enabled is false; c.Verbs restricts which events are emitted.
func WithActivityConfig(c activity.Config) Option {
	c.Verbs = slices.Clone(c.Verbs)
	return func(cfg *stageConfig) {
		cfg.activityConfig = c
	}
}

// ActivityHooks returns a copy of the hooks configured on the stage.
func (s *Stage) ActivityHooks() activity.Hooks {
	if s == nil || len(s.cfg.activityHooks) == 0 {
		return nil
	}
	return slices.Clone(s.cfg.activityHooks)
}
