package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	scene "github.com/goliatone/go-scene"
	"github.com/goliatone/go-scene/internal/httpapi"
	"github.com/goliatone/go-scene/internal/watch"
	"github.com/goliatone/go-scene/pkg/state"
)

func (a *app) serveCmd() *cobra.Command {
	var listen string
	var watchFiles bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stage queries over HTTP",
		Long: `Serve read-only stage queries, the OpenAPI document and Prometheus
metrics. With --watch and a file store, edited layer files are reloaded
into the running stage.

Examples:
  scenectl serve --root shot.yaml --listen :8080
  scenectl serve --config scenectl.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if watchFiles {
				w, err := a.startWatcher(ctx, rt)
				if err != nil {
					return err
				}
				defer w.Stop()
			}

			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           httpapi.NewRouter(httpapi.NewHandlers(rt.stage, a.logger)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("serving stage", "addr", srv.Addr, "root", a.cfg.Root)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&watchFiles, "watch", false, "reload edited layer files")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Reload layer files as they change and report stage notices",
		Long: `Open the stage and watch the file store. Every debounced batch of
file edits is reloaded in one change block; the resulting notices are
printed until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.openStage(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			cancel := rt.stage.Subscribe(func(n scene.Notice) {
				for _, p := range n.Resynced {
					fmt.Fprintf(out, "resync %s\n", p)
				}
				for _, p := range n.ChangedInfo {
					fmt.Fprintf(out, "changed %s\n", p)
				}
			})
			defer cancel()

			w, err := a.startWatcher(ctx, rt)
			if err != nil {
				return err
			}
			defer w.Stop()
			<-ctx.Done()
			return nil
		},
	}
}

func (a *app) startWatcher(ctx context.Context, rt *runtime) (*watch.Watcher, error) {
	fs, ok := rt.store.(*state.FileStore)
	if !ok {
		return nil, fmt.Errorf("watching needs a file store, not %q", a.cfg.Store.Kind)
	}
	debounce, err := a.cfg.DebounceWindow()
	if err != nil {
		return nil, err
	}
	w, err := watch.New(rt.reg, fs, &watch.Options{Debounce: debounce, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
