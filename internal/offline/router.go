package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// StreamUnavailableBody is what a failed live stream request answers with.
	StreamUnavailableBody = "Error de conexión de radio"

	maxAssetBytes = 32 << 20

	defaultFetchTimeout = 30 * time.Second
)

var (
	ErrNotInstalled  = errors.New("no cache version installed")
	errAssetTooLarge = errors.New("asset too large to cache")
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Version string
	// Origin is where assets live; relative requests resolve against it and
	// only responses from it are stored.
	Origin *url.URL
	// StreamURL is the live stream StreamPath forwards to.
	StreamURL   string
	StreamPath  string
	StreamHosts []string
	Manifest    []string
	// InstallConcurrency bounds parallel manifest fetches.
	InstallConcurrency int
	// FetchTimeout bounds a shared asset fetch on a cache miss. The fetch
	// outlives any single waiting request.
	FetchTimeout time.Duration
}

// Router answers every page request: the live stream goes straight to the
// network, everything else is served cache-first from the current version.
type Router struct {
	cfg     Config
	storage Storage
	assets  Doer
	stream  Doer
	log     zerolog.Logger

	sf singleflight.Group

	mu      sync.RWMutex
	current string
	claimed bool
}

func NewRouter(cfg Config, storage Storage, assets, stream Doer, log zerolog.Logger) (*Router, error) {
	if err := validVersion(cfg.Version); err != nil {
		return nil, err
	}
	if cfg.Origin == nil {
		return nil, errors.New("offline router needs an asset origin")
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	hosts := make([]string, 0, len(cfg.StreamHosts))
	for _, h := range cfg.StreamHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	cfg.StreamHosts = hosts
	return &Router{
		cfg:     cfg,
		storage: storage,
		assets:  assets,
		stream:  stream,
		log:     log,
	}, nil
}

// Current is the version requests are served from, empty before Install.
func (r *Router) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Claimed reports whether Activate has completed.
func (r *Router) Claimed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimed
}

// Install fills the configured version with the manifest. Any failed asset
// fails the whole install; the version only becomes current on success, and
// then immediately.
func (r *Router) Install(ctx context.Context) error {
	version := r.cfg.Version
	existed, err := r.storage.Has(ctx, version)
	if err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}
	cache, err := r.storage.Open(ctx, version)
	if err != nil {
		return fmt.Errorf("install %s: %w", version, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.InstallConcurrency)
	for _, p := range r.cfg.Manifest {
		g.Go(func() error { return r.precache(gctx, cache, p) })
	}
	if err := g.Wait(); err != nil {
		installsTotal.WithLabelValues("failed").Inc()
		if !existed {
			if _, derr := r.storage.Delete(context.WithoutCancel(ctx), version); derr != nil {
				r.log.Warn().Err(derr).Str("version", version).Msg("remove partial cache version")
			}
		}
		return fmt.Errorf("install %s: %w", version, err)
	}

	r.mu.Lock()
	r.current = version
	r.mu.Unlock()
	installsTotal.WithLabelValues("ok").Inc()
	r.log.Info().Str("version", version).Int("assets", len(r.cfg.Manifest)).Msg("cache version installed")
	return nil
}

func (r *Router) precache(ctx context.Context, cache Cache, p string) error {
	target, err := r.resolve(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.assets.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status: %d", p, resp.StatusCode)
	}
	body, err := readLimited(resp.Body)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", p, err)
	}
	e := &Entry{
		Key:        Key(http.MethodGet, target.String()),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now().UTC(),
	}
	if err := cache.Put(ctx, e); err != nil {
		return fmt.Errorf("store %s: %w", p, err)
	}
	return nil
}

// Activate deletes every version except the current one and takes over
// request handling. It returns the deleted version names.
func (r *Router) Activate(ctx context.Context) ([]string, error) {
	current := r.Current()
	if current == "" {
		return nil, ErrNotInstalled
	}
	names, err := r.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache versions: %w", err)
	}

	var pruned []string
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := r.storage.Delete(ctx, name); err != nil {
			return pruned, fmt.Errorf("delete cache version %s: %w", name, err)
		}
		versionsPruned.Inc()
		pruned = append(pruned, name)
		r.log.Info().Str("version", name).Msg("stale cache version deleted")
	}

	r.mu.Lock()
	r.claimed = true
	r.mu.Unlock()
	return pruned, nil
}

// Handle routes req and returns the response to give the page. A network
// failure for an asset is returned as an error; a failed stream request
// becomes a 503 response instead.
func (r *Router) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	return r.handle(ctx, req, r.IsStream(req))
}

func (r *Router) handle(ctx context.Context, req *http.Request, stream bool) (*http.Response, error) {
	if stream {
		return r.bypass(ctx, req), nil
	}
	target, err := r.resolve(req.URL.String())
	if err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		requestsTotal.WithLabelValues(outcomePassthrough).Inc()
		return r.fetch(ctx, req, target, r.assets)
	}
	return r.cacheFirst(ctx, req, target)
}

// IsStream reports whether req targets the live stream, by host or by path.
func (r *Router) IsStream(req *http.Request) bool {
	p := req.URL.Path
	if sp := r.cfg.StreamPath; sp != "" && (p == sp || strings.HasPrefix(p, strings.TrimSuffix(sp, "/")+"/")) {
		return true
	}
	host := strings.ToLower(req.URL.Hostname())
	lowerPath := strings.ToLower(p)
	for _, h := range r.cfg.StreamHosts {
		if host == h || strings.HasSuffix(host, "."+h) || strings.Contains(lowerPath, h) {
			return true
		}
	}
	return false
}

func (r *Router) bypass(ctx context.Context, req *http.Request) *http.Response {
	target := req.URL
	if !req.URL.IsAbs() {
		u, err := url.Parse(r.cfg.StreamURL)
		if err != nil || r.cfg.StreamURL == "" {
			r.log.Error().Str("stream_url", r.cfg.StreamURL).Msg("no upstream stream configured")
			requestsTotal.WithLabelValues(outcomeUnavailable).Inc()
			return streamUnavailable(req)
		}
		if req.URL.RawQuery != "" {
			u.RawQuery = req.URL.RawQuery
		}
		target = u
	}

	resp, err := r.fetch(ctx, req, target, r.stream)
	if err != nil {
		r.log.Warn().Err(err).Str("url", target.Redacted()).Msg("stream request failed")
		requestsTotal.WithLabelValues(outcomeUnavailable).Inc()
		return streamUnavailable(req)
	}
	requestsTotal.WithLabelValues(outcomeBypass).Inc()
	return resp
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request, target *url.URL) (*http.Response, error) {
	key := Key(http.MethodGet, target.String())

	if version := r.Current(); version != "" {
		if e, ok := r.match(ctx, version, key); ok {
			requestsTotal.WithLabelValues(outcomeHit).Inc()
			return e.Response(req), nil
		}
	}
	requestsTotal.WithLabelValues(outcomeMiss).Inc()

	// Waiters share one fetch, so it must not die with whichever request
	// started it. Each waiter still gives up on its own context.
	ch := r.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()

		resp, err := r.fetch(fctx, req, target, r.assets)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := readLimited(resp.Body)
		if err != nil {
			return nil, err
		}
		e := &Entry{
			Key:        key,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			StoredAt:   time.Now().UTC(),
		}
		final := target
		if resp.Request != nil && resp.Request.URL != nil {
			final = resp.Request.URL
		}
		if resp.StatusCode == http.StatusOK && r.sameOrigin(final) {
			r.store(fctx, e)
		}
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry).Response(req), nil
	}
}

func (r *Router) match(ctx context.Context, version, key string) (*Entry, bool) {
	ok, err := r.storage.Has(ctx, version)
	if err != nil || !ok {
		// pruned under us; the network answers instead
		return nil, false
	}
	cache, err := r.storage.Open(ctx, version)
	if err != nil {
		r.log.Warn().Err(err).Str("version", version).Msg("open cache version")
		return nil, false
	}
	e, ok, err := cache.Match(ctx, key)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		return nil, false
	}
	return e, ok
}

// store is best effort: the page still gets the network response.
func (r *Router) store(ctx context.Context, e *Entry) {
	version := r.Current()
	if version == "" {
		return
	}
	cache, err := r.storage.Open(ctx, version)
	if err == nil {
		err = cache.Put(ctx, e)
	}
	if err != nil {
		requestsTotal.WithLabelValues(outcomeStoreError).Inc()
		r.log.Warn().Err(err).Str("key", e.Key).Msg("cache store failed")
		return
	}
	requestsTotal.WithLabelValues(outcomeStore).Inc()
	r.log.Debug().Str("key", e.Key).Str("version", version).Msg("cached")
}

func (r *Router) fetch(ctx context.Context, req *http.Request, target *url.URL, client Doer) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = forwardHeaders(req.Header)
	return client.Do(out)
}

func (r *Router) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	return r.cfg.Origin.ResolveReference(&url.URL{Path: u.Path, RawQuery: u.RawQuery}), nil
}

func (r *Router) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	o := r.cfg.Origin
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

// hop-by-hop headers, plus the ones that would make a stored body depend on
// what one particular client asked for
var dropHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
	"Accept-Encoding", "If-None-Match", "If-Modified-Since", "Range",
}

func forwardHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, k := range dropHeaders {
		out.Del(k)
	}
	return out
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxAssetBytes {
		return nil, errAssetTooLarge
	}
	return b, nil
}

func streamUnavailable(req *http.Request) *http.Response {
	body := StreamUnavailableBody
	return &http.Response{
		Status:        "503 " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}, "Content-Length": {strconv.Itoa(len(body))}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ServeHTTP writes what Handle decides. Stream bodies are flushed as they
// arrive.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	stream := r.IsStream(req)
	resp, err := r.handle(req.Context(), req, stream)
	if err != nil {
		r.log.Warn().Err(err).Str("path", req.URL.Path).Msg("fetch failed")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if k == "Content-Length" && stream {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if req.Method == http.MethodHead {
		return
	}

	if !stream {
		_, _ = io.Copy(w, resp.Body)
		return
	}
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			_ = rc.Flush()
		}
		if rerr != nil {
			return
		}
	}
}
