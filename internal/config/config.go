// Package config loads scenectl settings. Flags layer over a YAML or TOML
// file, which layers over the defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layering"
	"github.com/goliatone/go-scene/pkg/state"
	"github.com/goliatone/go-scene/pkg/state/badgerstore"
)

// DefaultFile is the config file looked up in the working directory when no
// path is given.
const DefaultFile = "scenectl.yaml"

// Store kinds.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
	StoreBadger = "badger"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported config file format")
	ErrInvalid           = errors.New("config: invalid configuration")
)

// Config holds every scenectl setting. Zero values mean "not set" so that
// layers can be merged.
type Config struct {
	Root    string      `yaml:"root" toml:"root"`
	Session string      `yaml:"session" toml:"session"`
	Store   StoreConfig `yaml:"store" toml:"store"`
	// Load is the payload policy: "all" or "none".
	Load             string              `yaml:"load" toml:"load"`
	VariantFallbacks map[string][]string `yaml:"variant_fallbacks" toml:"variant_fallbacks"`
	// Engine is the expression language: "expr", "cel" or "js".
	Engine        string `yaml:"engine" toml:"engine"`
	Interpolation string `yaml:"interpolation" toml:"interpolation"`
	Listen        string `yaml:"listen" toml:"listen"`
	LogLevel      string `yaml:"log_level" toml:"log_level"`
	// Debounce is the watcher debounce window, such as "250ms".
	Debounce string `yaml:"debounce" toml:"debounce"`
}

// StoreConfig selects where layers are loaded from.
type StoreConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	Path string `yaml:"path" toml:"path"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Store:         StoreConfig{Kind: StoreFile, Path: "."},
		Load:          "all",
		Engine:        "expr",
		Interpolation: "linear",
		Listen:        ":8080",
		LogLevel:      "info",
		Debounce:      "100ms",
	}
}

// ReadFile decodes a config file, choosing YAML or TOML by extension.
func ReadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	case ".toml":
		err = toml.Unmarshal(raw, &cfg)
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load merges flags over the file at path over the defaults. An empty path
// reads DefaultFile when it exists.
func Load(path string, flags Config) (Config, error) {
	var file Config
	switch {
	case path != "":
		cfg, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		file = cfg
	default:
		cfg, err := ReadFile(DefaultFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
		file = cfg
	}
	merged := layering.MergeLayers(flags, file, Default())
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case StoreFile, StoreBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store %q needs a path", ErrInvalid, c.Store.Kind)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalid, c.Store.Kind)
	}
	if _, err := c.LoadPolicy(); err != nil {
		return err
	}
	switch c.Engine {
	case "", "expr", "cel", "js":
	default:
		return fmt.Errorf("%w: unknown expression engine %q", ErrInvalid, c.Engine)
	}
	if _, err := scene.ParseInterpolation(c.Interpolation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.DebounceWindow(); err != nil {
		return err
	}
	return nil
}

// LoadPolicy maps Load to a stage payload policy.
func (c Config) LoadPolicy() (scene.LoadPolicy, error) {
	switch strings.ToLower(c.Load) {
	case "", "all":
		return scene.LoadAll, nil
	case "none":
		return scene.LoadNone, nil
	}
	return scene.LoadAll, fmt.Errorf("%w: unknown load policy %q", ErrInvalid, c.Load)
}

// DebounceWindow parses Debounce; empty means zero.
func (c Config) DebounceWindow() (time.Duration, error) {
	if c.Debounce == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Debounce)
	if err != nil {
		return 0, fmt.Errorf("%w: debounce: %v", ErrInvalid, err)
	}
	return d, nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Logger returns a text logger writing to stderr at Level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()}))
}

// StageOptions translates the settings into stage options.
func (c Config) StageOptions(logger *slog.Logger) ([]scene.Option, error) {
	policy, err := c.LoadPolicy()
	if err != nil {
		return nil, err
	}
	mode, err := scene.ParseInterpolation(c.Interpolation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	engine, err := exprvar.New(
		exprvar.WithEngine(c.Engine),
		exprvar.WithObserver(exprvar.SlogObserver(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return []scene.Option{
		scene.WithLogger(logger),
		scene.WithLoadPolicy(policy),
		scene.WithInterpolation(mode),
		scene.WithVariantFallbacks(c.VariantFallbacks),
		scene.WithExpressionEngine(engine),
	}, nil
}

// OpenStore opens the configured layer store. close releases it.
func (c Config) OpenStore(logger *slog.Logger) (store state.LayerStore, close func() error, err error) {
	noop := func() error { return nil }
	switch c.Store.Kind {
	case StoreFile:
		return state.NewFileStore(c.Store.Path), noop, nil
	case StoreMemory:
		return state.NewLayerMemoryStore(), noop, nil
	case StoreBadger:
		cfg := badgerstore.DefaultConfig(c.Store.Path)
		cfg.Logger = logger
		db, err := badgerstore.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown store kind %q", ErrInvalid, c.Store.Kind)
}
