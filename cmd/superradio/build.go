package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"superradio/internal/alerts"
	"superradio/internal/clock"
	"superradio/internal/config"
	"superradio/internal/media"
	"superradio/internal/offline"
	"superradio/internal/platform"
	"superradio/internal/playback"
	"superradio/internal/prefs"
	"superradio/internal/server"
)

func openStorage(cfg config.CacheConfig) (offline.Storage, error) {
	switch cfg.Driver {
	case "memory":
		return offline.NewMemoryStorage(), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
			dsn = filepath.Join(cfg.Dir, "cache.db")
		}
		return offline.OpenSQL("sqlite", dsn)
	case "postgres":
		return offline.OpenSQL("postgres", cfg.DSN)
	default:
		return offline.NewDiskStorage(cfg.Dir)
	}
}

// newRouter builds the offline router over the configured asset origin.
func newRouter(cfg config.Config, storage offline.Storage, log zerolog.Logger) (*offline.Router, error) {
	origin, assets, err := server.AssetOrigin(cfg.Cache.Origin)
	if err != nil {
		return nil, err
	}
	hosts := append([]string{cfg.StreamHost()}, cfg.Cache.BypassHosts...)
	return offline.NewRouter(offline.Config{
		Version:     cfg.Cache.Name,
		Origin:      origin,
		StreamURL:   cfg.Stream.URL,
		StreamPath:  cfg.Cache.StreamPath,
		StreamHosts: hosts,
		Manifest:    cfg.Cache.Manifest,
	}, storage, assets, &http.Client{}, log.With().Str("component", "offline").Logger())
}

// installCache precaches the manifest and prunes older versions. A failure
// leaves the page served from the network.
func installCache(ctx context.Context, r *offline.Router, log zerolog.Logger) {
	if err := r.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("offline cache install failed; serving from network")
		return
	}
	pruned, err := r.Activate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("offline cache activation failed")
		return
	}
	log.Info().Str("version", r.Current()).Strs("pruned", pruned).Bool("claimed", r.Claimed()).Msg("offline cache ready")
}

type player struct {
	ctrl    *playback.Controller
	board   *alerts.Channel
	closers []func()
}

func (p *player) Close() {
	_ = p.ctrl.Close()
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func newBoard(cfg config.Config, log zerolog.Logger) *alerts.Channel {
	board := alerts.New(cfg.Alerts.Duration.ToDuration(), clock.Real{}, log.With().Str("component", "alerts").Logger())
	board.Subscribe(func(a alerts.Alert) {
		if a.Dismissed {
			return
		}
		log.Info().Str("severity", string(a.Severity)).Msg(a.Message)
	})
	return board
}

// newPlayer wires the media element, the platform capabilities and the
// controller. session may be nil when nothing mirrors now-playing state.
func newPlayer(cfg config.Config, board *alerts.Channel, session playback.MediaSession, log zerolog.Logger) *player {
	p := &player{board: board}

	store := prefs.Open(cfg.Prefs.Path, cfg.Prefs.DefaultVolume, log.With().Str("component", "prefs").Logger())

	var out media.Output
	if cfg.Playback.Speaker {
		out = media.NewSpeaker()
	} else {
		d := media.NewDiscard()
		p.closers = append(p.closers, d.Close)
		out = d
	}

	mlog := log.With().Str("component", "media").Logger()
	elem := media.NewElement(
		media.ElementConfig{StallTimeout: cfg.Stream.StallTimeout.ToDuration()},
		media.ParseStrategy(cfg.Stream.Strategy, cfg.Stream.Headers, mlog),
		media.NewHTTPSource(cfg.Stream.Headers, mlog),
		media.NewHLSSource(cfg.Stream.Headers, mlog),
		out,
		mlog,
	)

	opts := playback.Options{
		Session: session,
		Alerts:  p.board,
		Prefs:   store,
		Clock:   clock.Real{},
	}
	if cfg.Playback.WakeLock {
		if wl := platform.NewInhibitWakeLock(log.With().Str("component", "wakelock").Logger()); wl.Available() {
			opts.WakeLocker = wl
		} else {
			log.Debug().Msg("no wake lock facility on this host")
		}
	}
	if cfg.Playback.Haptics {
		opts.Vibrator = platform.NewBellVibrator(os.Stderr)
	}

	p.ctrl = playback.New(playback.Config{
		Source:                cfg.Stream.URL,
		MaxRetries:            cfg.Playback.MaxRetries,
		BaseDelay:             cfg.Playback.BaseDelay.ToDuration(),
		ReconnectDelay:        cfg.Playback.ReconnectDelay.ToDuration(),
		ForegroundResumeDelay: cfg.Playback.ForegroundResumeDelay.ToDuration(),
		ResumeOnForeground:    cfg.Playback.ResumeOnForeground,
		CacheBustOnReconnect:  cfg.Stream.CacheBustOnReconnect,
		Metadata: playback.Metadata{
			Title:   cfg.Station.Title,
			Artist:  cfg.Station.Artist,
			Album:   cfg.Station.Album,
			Artwork: cfg.Station.Artwork,
		},
	}, elem, opts, log.With().Str("component", "player").Logger())

	return p
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	playback.RegisterMetrics(reg)
	offline.RegisterMetrics(reg)
	return reg
}

func streamLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
