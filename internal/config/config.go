package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Duration time.Duration

func (d Duration) ToDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*d = 0
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}

	// allow: "2s", "1500ms", or integer milliseconds
	switch value.Tag {
	case "!!int":
		i, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Millisecond)
		return nil
	default:
		return d.UnmarshalText([]byte(value.Value))
	}
}

// UnmarshalText lets env overrides use the same syntax as the YAML file.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	if dur, err := time.ParseDuration(s); err == nil {
		*d = Duration(dur)
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(i) * time.Millisecond)
		return nil
	}
	return fmt.Errorf("invalid duration: %q", s)
}

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Stream   StreamConfig   `yaml:"stream" envPrefix:"STREAM_"`
	Playback PlaybackConfig `yaml:"playback" envPrefix:"PLAYBACK_"`
	Station  StationConfig  `yaml:"station" envPrefix:"STATION_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Alerts   AlertsConfig   `yaml:"alerts" envPrefix:"ALERTS_"`
	Prefs    PrefsConfig    `yaml:"prefs" envPrefix:"PREFS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Bind              string   `yaml:"bind" env:"BIND"`
	Port              int      `yaml:"port" env:"PORT"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
}

type StreamConfig struct {
	URL          string            `yaml:"url" env:"URL"`
	Strategy     string            `yaml:"strategy" env:"STRATEGY"` // auto, native, adaptive
	StallTimeout Duration          `yaml:"stall_timeout" env:"STALL_TIMEOUT"`
	Headers      map[string]string `yaml:"request_headers"`

	// Appends ?t=<unix ms> to the source on reconnect. Some origins reject
	// the second login this produces, so it stays off unless asked for.
	CacheBustOnReconnect bool `yaml:"cache_bust_on_reconnect" env:"CACHE_BUST_ON_RECONNECT"`
}

type PlaybackConfig struct {
	MaxRetries            int      `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay             Duration `yaml:"base_delay" env:"BASE_DELAY"`
	ReconnectDelay        Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	ForegroundResumeDelay Duration `yaml:"foreground_resume_delay" env:"FOREGROUND_RESUME_DELAY"`
	ResumeOnForeground    bool     `yaml:"resume_on_foreground" env:"RESUME_ON_FOREGROUND"`
	WakeLock              bool     `yaml:"wake_lock" env:"WAKE_LOCK"`
	Haptics               bool     `yaml:"haptics" env:"HAPTICS"`
	Speaker               bool     `yaml:"speaker" env:"SPEAKER"`
	Autoplay              bool     `yaml:"autoplay" env:"AUTOPLAY"`
}

type StationConfig struct {
	Title   string   `yaml:"title" env:"TITLE"`
	Artist  string   `yaml:"artist" env:"ARTIST"`
	Album   string   `yaml:"album" env:"ALBUM"`
	Artwork []string `yaml:"artwork"`
}

type CacheConfig struct {
	Name        string   `yaml:"name" env:"NAME"`     // current cache version
	Driver      string   `yaml:"driver" env:"DRIVER"` // memory, disk, sqlite, postgres
	Dir         string   `yaml:"dir" env:"DIR"`
	DSN         string   `yaml:"dsn" env:"DSN"`
	Origin      string   `yaml:"origin" env:"ORIGIN"` // "embedded", a directory, or an http(s) URL
	StreamPath  string   `yaml:"stream_path" env:"STREAM_PATH"`
	BypassHosts []string `yaml:"bypass_hosts"`
	Manifest    []string `yaml:"manifest"`
}

type AlertsConfig struct {
	Duration Duration `yaml:"duration" env:"DURATION"`
}

type PrefsConfig struct {
	Path          string `yaml:"path" env:"PATH"`
	DefaultVolume int    `yaml:"default_volume" env:"DEFAULT_VOLUME"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

const (
	defaultStreamURL = "https://stream.zeno.fm/zignjhagmspuv"
	defaultCacheName = "radio-super-a1-v3"
)

func DefaultManifest() []string {
	return []string{
		"/",
		"/index.html",
		"/css/styles.css",
		"/js/player.js",
		"/images/favicon.svg",
		"/images/apple-touch-icon.svg",
		"/images/social-share.svg",
	}
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:              "0.0.0.0",
			Port:              8092,
			ReadHeaderTimeout: Duration(5 * time.Second),
		},
		Stream: StreamConfig{
			URL:          defaultStreamURL,
			Strategy:     "auto",
			StallTimeout: Duration(10 * time.Second),
		},
		Playback: PlaybackConfig{
			MaxRetries:            3,
			BaseDelay:             Duration(2 * time.Second),
			ReconnectDelay:        Duration(1500 * time.Millisecond),
			ForegroundResumeDelay: Duration(300 * time.Millisecond),
			WakeLock:              true,
			Haptics:               false,
			Speaker:               true,
		},
		Station: StationConfig{
			Title:   "Radio Super A1",
			Artist:  "En Vivo - Tarma, Perú",
			Album:   "La Radio Poder",
			Artwork: []string{"/images/social-share.svg"},
		},
		Cache: CacheConfig{
			Name:       defaultCacheName,
			Driver:     "disk",
			Dir:        "./cache/offline",
			Origin:     "embedded",
			StreamPath: "/stream",
			Manifest:   DefaultManifest(),
		},
		Alerts: AlertsConfig{
			Duration: Duration(4 * time.Second),
		},
		Prefs: PrefsConfig{
			Path:          "./cache/prefs.yaml",
			DefaultVolume: 80,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (a missing file is fine, defaults apply), then environment
// overrides prefixed with SUPERRADIO_, then sanitises the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SUPERRADIO_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.sanitize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) sanitize() error {
	d := Default()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = d.Server.Bind
	}
	if cfg.Server.ReadHeaderTimeout.ToDuration() <= 0 {
		cfg.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}

	cfg.Stream.URL = strings.TrimSpace(cfg.Stream.URL)
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = d.Stream.URL
	}
	u, err := url.Parse(cfg.Stream.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid stream url: %q", cfg.Stream.URL)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Stream.Strategy)) {
	case "native", "adaptive", "auto":
		cfg.Stream.Strategy = strings.ToLower(strings.TrimSpace(cfg.Stream.Strategy))
	default:
		cfg.Stream.Strategy = "auto"
	}
	if cfg.Stream.StallTimeout.ToDuration() <= 0 {
		cfg.Stream.StallTimeout = d.Stream.StallTimeout
	}

	if cfg.Playback.MaxRetries <= 0 {
		cfg.Playback.MaxRetries = d.Playback.MaxRetries
	}
	if cfg.Playback.BaseDelay.ToDuration() <= 0 {
		cfg.Playback.BaseDelay = d.Playback.BaseDelay
	}
	if cfg.Playback.ReconnectDelay.ToDuration() <= 0 {
		cfg.Playback.ReconnectDelay = d.Playback.ReconnectDelay
	}
	if cfg.Playback.ForegroundResumeDelay.ToDuration() <= 0 {
		cfg.Playback.ForegroundResumeDelay = d.Playback.ForegroundResumeDelay
	}

	if cfg.Station.Title == "" {
		cfg.Station.Title = d.Station.Title
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = d.Cache.Name
	}
	switch strings.ToLower(cfg.Cache.Driver) {
	case "memory", "disk", "sqlite", "postgres":
		cfg.Cache.Driver = strings.ToLower(cfg.Cache.Driver)
	default:
		cfg.Cache.Driver = d.Cache.Driver
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = d.Cache.Dir
	}
	if cfg.Cache.Driver == "postgres" && cfg.Cache.DSN == "" {
		return fmt.Errorf("cache driver postgres needs cache.dsn")
	}
	if cfg.Cache.Origin == "" {
		cfg.Cache.Origin = d.Cache.Origin
	}
	if cfg.Cache.StreamPath == "" {
		cfg.Cache.StreamPath = d.Cache.StreamPath
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = d.Cache.Manifest
	}

	// the 4–5s window the page alert has always used
	ad := cfg.Alerts.Duration.ToDuration()
	if ad < 4*time.Second || ad > 5*time.Second {
		cfg.Alerts.Duration = d.Alerts.Duration
	}

	if cfg.Prefs.Path == "" {
		cfg.Prefs.Path = d.Prefs.Path
	}
	if cfg.Prefs.DefaultVolume < 0 || cfg.Prefs.DefaultVolume > 100 {
		cfg.Prefs.DefaultVolume = d.Prefs.DefaultVolume
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	return nil
}

// StreamHost is the host every bypass decision keys on.
func (cfg Config) StreamHost() string {
	u, err := url.Parse(cfg.Stream.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
