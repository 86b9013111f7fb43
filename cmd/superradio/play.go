package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"superradio/internal/config"
	"superradio/internal/playback"
)

func newPlayCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Play the stream in the terminal without the control page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return play(cfg)
		},
	}
}

func play(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := newPlayer(cfg, newBoard(cfg, log.Logger), nil, log.Logger)
	defer p.Close()

	p.ctrl.Subscribe(func(ev playback.Event) {
		e := log.Info().Str("event", string(ev.Kind)).Str("status", ev.Session.Status.String())
		if ev.Err != nil {
			e = e.Err(ev.Err).Str("kind", playback.Classify(ev.Err).String())
		}
		e.Int("retry", ev.Session.RetryCount).Msg("player")
	})

	// running the command is the user gesture
	p.ctrl.NoteInteraction()
	if err := p.ctrl.Play(ctx); err != nil {
		log.Error().Err(err).Str("stream", streamLabel(cfg.Stream.URL)).Msg("failed to start playback")
		return err
	}

	<-ctx.Done()
	log.Info().Msg("stopping")
	return nil
}
