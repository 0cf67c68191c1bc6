package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/internal/config"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/state"
)

// app carries the flags and loaded configuration shared by every command.
type app struct {
	configPath string
	flags      config.Config
	fallbacks  []string
	jsonOutput bool

	cfg    config.Config
	logger *slog.Logger
}

// runtime is an open stage together with the store it was loaded from.
type runtime struct {
	store    state.LayerStore
	resolver state.Resolver
	reg      *layer.Registry
	stage    *scene.Stage
	close    func() error
}

func (r *runtime) Close() error {
	if r.stage != nil {
		r.stage.Close()
	}
	return r.close()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "scenectl",
		Short: "Compose and query layered scene descriptions",
		Long: `Compose a stage from a root layer and its sublayers, references,
payloads and variants, then query resolved values.

Examples:
  scenectl children / --root shot.yaml
  scenectl resolve /World/Ball.radius --time 12 --root shot.yaml
  scenectl serve --config scenectl.yaml`,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (yaml or toml), default ./"+config.DefaultFile)
	pf.StringVar(&a.flags.Root, "root", "", "root layer identifier")
	pf.StringVar(&a.flags.Session, "session", "", "session layer identifier")
	pf.StringVar(&a.flags.Store.Kind, "store", "", "layer store: file, memory or badger")
	pf.StringVar(&a.flags.Store.Path, "store-path", "", "layer store directory")
	pf.StringVar(&a.flags.Load, "load", "", "payload policy: all or none")
	pf.StringVar(&a.flags.Engine, "engine", "", "expression engine: expr, cel or js")
	pf.StringVar(&a.flags.Interpolation, "interpolation", "", "time sample interpolation: linear or held")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "log level")
	pf.StringArrayVar(&a.fallbacks, "variant-fallback", nil, "variant fallbacks as set=a,b (repeatable)")
	pf.BoolVar(&a.jsonOutput, "json", false, "print JSON")

	root.AddCommand(
		a.resolveCmd(),
		a.childrenCmd(),
		a.indexCmd(),
		a.layerStackCmd(),
		a.samplesCmd(),
		a.setCmd(),
		a.serveCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	flags := a.flags
	if len(a.fallbacks) > 0 {
		flags.VariantFallbacks = map[string][]string{}
		for _, entry := range a.fallbacks {
			set, list, ok := strings.Cut(entry, "=")
			if !ok || set == "" {
				return fmt.Errorf("invalid --variant-fallback %q, want set=a,b", entry)
			}
			flags.VariantFallbacks[set] = strings.Split(list, ",")
		}
	}
	cfg, err := config.Load(a.configPath, flags)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	return nil
}

// openStore opens the configured store and a registry that loads from it.
func (a *app) openStore(ctx context.Context) (*runtime, error) {
	store, closeStore, err := a.cfg.OpenStore(a.logger)
	if err != nil {
		return nil, err
	}
	resolver := state.Resolver{Store: store}
	reg := layer.NewRegistry(
		layer.WithLoader(state.NewLoader(store)),
		layer.WithAssetResolver(resolver.AssetResolver(ctx)),
		layer.WithLogger(a.logger),
	)
	return &runtime{store: store, resolver: resolver, reg: reg, close: closeStore}, nil
}

// openStage opens the store and composes the configured root layer.
func (a *app) openStage(ctx context.Context) (*runtime, error) {
	if a.cfg.Root == "" {
		return nil, fmt.Errorf("no root layer: set --root or root in the config file")
	}
	rt, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.StageOptions(a.logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts = append(opts, scene.WithRegistry(rt.reg))
	if a.cfg.Session != "" {
		session, err := rt.reg.FindOrOpen(ctx, a.cfg.Session)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open session layer: %w", err)
		}
		opts = append(opts, scene.WithSessionLayer(session))
	}
	stage, err := scene.Open(ctx, a.cfg.Root, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.stage = stage
	return rt, nil
}

// print writes v as JSON when --json is set, else calls text.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
