package media

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Strategy int

const (
	NativePlayback Strategy = iota
	AdaptiveShimPlayback
)

func (s Strategy) String() string {
	if s == AdaptiveShimPlayback {
		return "adaptive"
	}
	return "native"
}

// Policy picks how a stream URL is played.
type Policy interface {
	Choose(ctx context.Context, src string) (Strategy, error)
}

type Fixed Strategy

func (f Fixed) Choose(context.Context, string) (Strategy, error) { return Strategy(f), nil }

// ProbePolicy sends playlists to the adaptive shim and everything else to
// native playback. It looks at the extension first and otherwise asks the
// endpoint for its content type. Decisions are remembered per URL.
type ProbePolicy struct {
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger

	mu    sync.Mutex
	known map[string]Strategy
}

func NewProbePolicy(headers map[string]string, log zerolog.Logger) *ProbePolicy {
	return &ProbePolicy{
		client:  newStreamClient(),
		headers: headers,
		log:     log,
		known:   map[string]Strategy{},
	}
}

func (p *ProbePolicy) Choose(ctx context.Context, src string) (Strategy, error) {
	u, err := url.Parse(src)
	if err != nil {
		return NativePlayback, err
	}
	key := u.Scheme + "://" + u.Host + u.Path

	p.mu.Lock()
	if s, ok := p.known[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s := p.probe(ctx, u)

	p.mu.Lock()
	p.known[key] = s
	p.mu.Unlock()
	p.log.Info().Str("strategy", s.String()).Str("src", key).Msg("playback strategy")
	return s, nil
}

func (p *ProbePolicy) probe(ctx context.Context, u *url.URL) Strategy {
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u8", ".m3u":
		return AdaptiveShimPlayback
	case ".mp3", ".aac", ".ogg":
		return NativePlayback
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resp, err := get(ctx, p.client, u.String(), p.headers)
	if err != nil {
		// the real connect reports the error properly
		p.log.Debug().Err(err).Msg("strategy probe failed, assuming native")
		return NativePlayback
	}
	resp.Body.Close()

	if isPlaylistType(resp.Header.Get("Content-Type")) {
		return AdaptiveShimPlayback
	}
	return NativePlayback
}

func isPlaylistType(ct string) bool {
	ct = strings.ToLower(ct)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "audio/x-mpegurl":
		return true
	default:
		return false
	}
}

// ParseStrategy maps the config value to a Policy.
func ParseStrategy(name string, headers map[string]string, log zerolog.Logger) Policy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "native":
		return Fixed(NativePlayback)
	case "adaptive":
		return Fixed(AdaptiveShimPlayback)
	default:
		return NewProbePolicy(headers, log)
	}
}
