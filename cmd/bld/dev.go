package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/coldog/bld/pkg/bundle"
	"github.com/coldog/bld/pkg/devserver"
	"github.com/coldog/bld/pkg/hot"
	"github.com/coldog/bld/pkg/metrics"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Build, serve the output and push hot updates",
	Long: `Builds once and serves the output directory. POST /__bld/invalidate?path=<file>
rebuilds after a file changed and pushes the update to the runtimes connected
to /__bld/hot. Metrics are served at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fs := afero.NewOsFs()
		hub := hot.NewHub()
		defer hub.Close()
		m := metrics.New()

		b, err := bundle.New(cfg, bundle.Options{Fs: fs, Hot: true, Hub: hub, Metrics: m})
		if err != nil {
			return err
		}
		defer b.Close()

		if _, err := b.Build(ctx); err != nil {
			// The server still starts so a fix can be pushed through invalidate.
			log.Error().Err(err).Msg("initial build failed")
		}

		srv := devserver.New(cfg, b, fs, hub, m)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Listen() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
