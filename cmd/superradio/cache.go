package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"superradio/internal/config"
)

func newCacheCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the offline page cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Precache the page manifest and prune older cache versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			storage, err := openStorage(cfg.Cache)
			if err != nil {
				return err
			}
			defer storage.Close()

			router, err := newRouter(cfg, storage, log.Logger)
			if err != nil {
				return err
			}
			if err := router.Install(ctx); err != nil {
				return fmt.Errorf("install %s: %w", cfg.Cache.Name, err)
			}
			pruned, err := router.Activate(ctx)
			if err != nil {
				return fmt.Errorf("activate %s: %w", cfg.Cache.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%d assets), pruned %d, claimed=%t\n",
				cfg.Cache.Name, len(cfg.Cache.Manifest), len(pruned), router.Claimed())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored cache versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			storage, err := openStorage(cfg.Cache)
			if err != nil {
				return err
			}
			defer storage.Close()

			keys, err := storage.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				mark := " "
				if k == cfg.Cache.Name {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, k)
			}
			return nil
		},
	})

	return cmd
}
