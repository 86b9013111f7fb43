package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"superradio/internal/config"
	"superradio/internal/prefs"
)

func newPrefsCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect stored player preferences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every stored preference",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store := prefs.Open(cfg.Prefs.Path, cfg.Prefs.DefaultVolume, log.With().Str("component", "prefs").Logger())
			for _, k := range store.Keys() {
				v, _ := store.Get(k)
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
			return nil
		},
	})
	return cmd
}
