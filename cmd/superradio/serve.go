package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"superradio/internal/alerts"
	"superradio/internal/config"
	"superradio/internal/server"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var autoplay bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the player and serve the control page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autoplay") {
				cfg.Playback.Autoplay = autoplay
			}
			return serve(cfg)
		},
	}
	cmd.Flags().BoolVar(&autoplay, "autoplay", false, "Start the stream without waiting for the page")
	return cmd
}

func serve(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := newRegistry()

	storage, err := openStorage(cfg.Cache)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Cache.Driver).Msg("failed to open offline cache storage")
		return err
	}
	defer storage.Close()

	router, err := newRouter(cfg, storage, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to init offline router")
		return err
	}

	board := newBoard(cfg, log.Logger)

	// The page comes before the player: the controller registers its media
	// session handlers on the server's now-playing bridge.
	srv := server.New(server.Config{
		Bind:              cfg.Server.Bind,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.ToDuration(),
	}, router, board, reg, log.With().Str("component", "server").Logger())

	p := newPlayer(cfg, board, srv.MediaSession(), log.Logger)
	defer p.Close()

	srv.SetPlayer(p.ctrl)
	p.ctrl.Subscribe(srv.PlayerEvent)
	board.Subscribe(srv.AlertEvent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		installCache(gctx, router, log.Logger)
		return nil
	})

	board.Show("✅ Sistema listo", alerts.SeveritySuccess)
	if cfg.Playback.Autoplay {
		p.ctrl.NoteInteraction()
		if err := p.ctrl.Play(ctx); err != nil {
			log.Warn().Err(err).Msg("autoplay failed")
		}
	}

	log.Info().
		Str("addr", srv.Addr()).
		Str("stream", streamLabel(cfg.Stream.URL)).
		Msg("running. Open the page in your browser and press play")

	err = g.Wait()
	log.Info().Msg("shutting down")
	return err
}
