package main

import (
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/state"
	"github.com/goliatone/go-scene/sdfpath"
)

func (a *app) setCmd() *cobra.Command {
	var valueType, timeText, etag string
	cmd := &cobra.Command{
		Use:   "set LAYER PATH VALUE",
		Short: "Author an attribute value in a stored layer",
		Long: `Author the default value, or a time sample with --time, of the
attribute at PATH in LAYER and save the layer back to the store. Missing
prims are authored as overs. VALUE is parsed as YAML into the attribute's
value type.

Examples:
  scenectl set shot.yaml /World/Ball.radius 2.5 --type double
  scenectl set shot.yaml /World.translate "[1, 2, 3]" --type double3 --time 10`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[1])
			if err != nil {
				return err
			}
			if !path.IsPropertyPath() {
				return fmt.Errorf("%w: %q is not a property path", sdfpath.ErrInvalidPath, path)
			}
			t, err := parseTime(timeText)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			_, meta, err := rt.resolver.Mutate(ctx, state.Ref{Layer: args[0]}, state.Meta{ETag: etag}, func(l *layer.Layer) error {
				if err := ensureAttribute(l, path, valueType); err != nil {
					return err
				}
				value, err := decodeValue(l, path, args[2])
				if err != nil {
					return err
				}
				if t.IsDefault() {
					return l.SetDefault(path, value)
				}
				return l.SetTimeSample(path, float64(t), value)
			})
			if err != nil {
				return err
			}
			a.logger.Info("layer saved", "layer", args[0], "path", path.String(), "etag", meta.ETag)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], meta.ETag)
			return nil
		},
	}
	cmd.Flags().StringVar(&valueType, "type", "", "value type when the attribute is new")
	cmd.Flags().StringVar(&timeText, "time", "", "author a time sample at this time code")
	cmd.Flags().StringVar(&etag, "if-match", "", "fail unless the stored layer has this ETag")
	return cmd
}

func ensureAttribute(l *layer.Layer, path sdfpath.Path, valueType string) error {
	if l.HasSpec(path) {
		return nil
	}
	if valueType == "" {
		return fmt.Errorf("attribute %s does not exist; pass --type", path)
	}
	prims := path.Parent().Ancestors()
	for i := len(prims) - 1; i >= 0; i-- {
		p := prims[i]
		if p.IsAbsoluteRoot() || l.HasSpec(p) {
			continue
		}
		if err := l.CreatePrim(p, layer.SpecifierOver, ""); err != nil {
			return err
		}
	}
	return l.CreateAttribute(path, valueType)
}

func decodeValue(l *layer.Layer, path sdfpath.Path, text string) (any, error) {
	var target reflect.Type
	if name, ok := l.GetField(path, layer.FieldTypeName); ok {
		if typeName, _ := name.(string); typeName != "" {
			target, _ = l.Schema().ValueType(typeName)
		}
	}
	if target == nil {
		var v any
		if err := yaml.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("parse value: %w", err)
		}
		return v, nil
	}
	ptr := reflect.New(target)
	if err := yaml.Unmarshal([]byte(text), ptr.Interface()); err != nil {
		return nil, fmt.Errorf("parse %s value: %w", target, err)
	}
	return ptr.Elem().Interface(), nil
}
