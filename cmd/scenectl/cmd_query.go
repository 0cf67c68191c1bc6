package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/internal/httpapi"
	"github.com/goliatone/go-scene/sdfpath"
)

func parsePath(text string) (sdfpath.Path, error) {
	p, err := sdfpath.Parse(text)
	if err != nil {
		return sdfpath.Path{}, err
	}
	if !p.IsAbsolute() {
		return sdfpath.Path{}, fmt.Errorf("%w: %q is not absolute", sdfpath.ErrInvalidPath, text)
	}
	return p, nil
}

func parseTime(text string) (scene.TimeCode, error) {
	if text == "" || text == "default" {
		return scene.DefaultTime, nil
	}
	t, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", text)
	}
	return scene.TimeCode(t), nil
}

func (a *app) resolveCmd() *cobra.Command {
	var field, timeText string
	var traced bool
	cmd := &cobra.Command{
		Use:   "resolve PATH",
		Short: "Resolve a composed field value",
		Long: `Resolve a field on a prim or property. On a property path the
attribute value is resolved unless --field names another field.

Examples:
  scenectl resolve /World/Ball.radius
  scenectl resolve /World/Ball.radius --time 24
  scenectl resolve /World/Ball --field kind --trace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			t, err := parseTime(timeText)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if traced {
				_, trace, err := rt.stage.ResolveWithTrace(ctx, path, field, t)
				if err != nil {
					return err
				}
				payload, err := trace.ToJSON()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			}

			value, found, err := rt.stage.GetValue(ctx, path, field, t)
			if err != nil {
				return err
			}
			resp := httpapi.ValueResponse{Path: path.String(), Field: field, Found: found, Value: value}
			if !t.IsDefault() {
				tt := float64(t)
				resp.Time = &tt
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if !found {
					fmt.Fprintln(w, "<none>")
					return
				}
				fmt.Fprintf(w, "%v\n", value)
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field name")
	cmd.Flags().StringVar(&timeText, "time", "", "time code (default time when omitted)")
	cmd.Flags().BoolVar(&traced, "trace", false, "print every opinion consulted as JSON")
	return cmd
}

func (a *app) childrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children PATH",
		Short: "List the composed children and properties of a prim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			children, err := rt.stage.GetChildren(ctx, path)
			if err != nil {
				return err
			}
			resp := httpapi.PrimResponse{Path: path.String(), Active: true}
			for _, c := range children {
				resp.Children = append(resp.Children, c.Name())
			}
			if !path.IsAbsoluteRoot() {
				if resp.Active, err = rt.stage.IsActive(ctx, path); err != nil {
					return err
				}
				props, err := rt.stage.GetProperties(ctx, path)
				if err != nil {
					return err
				}
				for _, p := range props {
					resp.Properties = append(resp.Properties, p.Name())
				}
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for _, c := range children {
					fmt.Fprintln(w, c.String())
				}
				for _, name := range resp.Properties {
					fmt.Fprintln(w, path.AppendProperty(name).String())
				}
			})
		},
	}
}

func (a *app) indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index PATH",
		Short: "Print the prim index graph of a prim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			idx, err := rt.stage.GetComposedIndex(ctx, path)
			if err != nil {
				return err
			}
			resp := httpapi.IndexResponse{
				Path:              path.String(),
				Nodes:             idx.Signature(),
				VariantSelections: idx.VariantSelections(),
				HasPayload:        idx.HasPayload(),
				PayloadIncluded:   idx.PayloadIncluded(),
			}
			for _, e := range idx.Errors() {
				resp.Errors = append(resp.Errors, e.Error())
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for _, node := range resp.Nodes {
					fmt.Fprintln(w, node)
				}
				for _, e := range resp.Errors {
					fmt.Fprintf(w, "error: %s\n", e)
				}
			})
		},
	}
}

func (a *app) layerStackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layerstack",
		Short: "List the root layer stack, strongest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			stack, err := rt.stage.LayerStack(ctx)
			if err != nil {
				return err
			}
			resp := httpapi.LayerStackResponse{Identifier: stack.Identifier()}
			for i := 0; i < stack.Len(); i++ {
				l, offset := stack.LayerAt(i)
				resp.Layers = append(resp.Layers, httpapi.LayerEntry{
					Identifier: l.Identifier(),
					Offset:     offset.Offset,
					Scale:      offset.Scale,
					Dirty:      l.IsDirty(),
				})
			}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for _, e := range resp.Layers {
					fmt.Fprintf(w, "%s\toffset=%g scale=%g\n", e.Identifier, e.Offset, e.Scale)
				}
			})
		},
	}
}

func (a *app) samplesCmd() *cobra.Command {
	var interval string
	cmd := &cobra.Command{
		Use:   "samples PATH",
		Short: "List the composed time sample times of an attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var times []float64
			if interval != "" {
				loText, hiText, ok := strings.Cut(interval, ":")
				lo, errLo := strconv.ParseFloat(loText, 64)
				hi, errHi := strconv.ParseFloat(hiText, 64)
				if !ok || errLo != nil || errHi != nil {
					return fmt.Errorf("invalid --interval %q, want lo:hi", interval)
				}
				times, err = rt.stage.GetTimeSamplesInInterval(ctx, path, lo, hi)
			} else {
				times, err = rt.stage.GetTimeSamples(ctx, path)
			}
			if err != nil {
				return err
			}
			if times == nil {
				times = []float64{}
			}
			resp := httpapi.SamplesResponse{Path: path.String(), Times: times}
			return a.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				for _, t := range times {
					fmt.Fprintln(w, strconv.FormatFloat(t, 'g', -1, 64))
				}
			})
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "", "closed interval lo:hi")
	return cmd
}
