package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/coldog/bld/pkg/bundle"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the configured entries into the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		b, err := bundle.New(cfg, bundle.Options{Fs: afero.NewOsFs()})
		if err != nil {
			return err
		}
		defer b.Close()

		res, err := b.Build(cmd.Context())
		if err != nil {
			log.Error().Err(err).Msg("build failed")
			return err
		}
		for _, e := range res.Errors {
			log.Error().Err(e).Msg("entry skipped")
		}
		log.Info().
			Str("output", cfg.Output.Path).
			Int("files", len(res.Bundle.Assets)).
			Dur("duration", res.Duration).
			Msg("build complete")
		return nil
	},
}
