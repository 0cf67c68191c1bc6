package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Hook receives normalized activity events.
type Hook interface {
	Notify(ctx context.Context, event Event) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, event Event) error

func (fn HookFunc) Notify(ctx context.Context, event Event) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, event)
}

// Hooks notifies several hooks in order.
type Hooks []Hook

// Compact returns the non-nil hooks in a new slice, or nil when none remain.
func (h Hooks) Compact() Hooks {
	var out Hooks
	for _, hook := range h {
		if hook != nil {
			out = append(out, hook)
		}
	}
	return out
}

// Notify normalizes event and hands it to every hook. Invalid events are
// dropped. A failing hook does not stop the others; failures are joined and
// tagged with the hook's position.
func (h Hooks) Notify(ctx context.Context, event Event) error {
	if len(h) == 0 {
		return nil
	}
	event = event.Normalize()
	if !event.Valid() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for i, hook := range h {
		if hook == nil {
			continue
		}
		if err := hook.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("activity hook %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Config controls emission. An empty Verbs list admits every verb.
type Config struct {
	Enabled bool
	Channel string
	Verbs   []Verb
}

// Emitter applies Config to events before they reach the hooks.
type Emitter struct {
	hooks   Hooks
	channel string
	verbs   map[Verb]struct{}
}

// NewEmitter returns an emitter, or nil when cfg is disabled or no hooks
// remain after dropping nil entries. A nil emitter emits nothing.
func NewEmitter(hooks Hooks, cfg Config) *Emitter {
	hooks = hooks.Compact()
	if !cfg.Enabled || len(hooks) == 0 {
		return nil
	}
	e := &Emitter{hooks: hooks, channel: strings.TrimSpace(cfg.Channel)}
	if e.channel == "" {
		e.channel = "scene"
	}
	if len(cfg.Verbs) > 0 {
		e.verbs = make(map[Verb]struct{}, len(cfg.Verbs))
		for _, v := range cfg.Verbs {
			e.verbs[v] = struct{}{}
		}
	}
	return e
}

// Enabled reports whether Emit can reach any hook.
func (e *Emitter) Enabled() bool {
	return e != nil
}

// Wants reports whether events with verb v are emitted.
func (e *Emitter) Wants(v Verb) bool {
	if e == nil {
		return false
	}
	if e.verbs == nil {
		return true
	}
	_, ok := e.verbs[v]
	return ok
}

// Emit sends each wanted event to the hooks, defaulting its channel.
func (e *Emitter) Emit(ctx context.Context, events ...Event) error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, event := range events {
		if !e.Wants(event.Verb) {
			continue
		}
		if strings.TrimSpace(event.Channel) == "" {
			event.Channel = e.channel
		}
		if err := e.hooks.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", event.Verb, err))
		}
	}
	return errors.Join(errs...)
}
