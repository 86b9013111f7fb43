package media

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"superradio/internal/playback"
)

// Source opens the byte stream behind a stream URL.
type Source interface {
	Open(ctx context.Context, src string) (io.ReadCloser, error)
}

func newStreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
		},
		Timeout: 0, // no total timeout for streaming
	}
}

// HTTPSource is the native path: one long-lived GET.
type HTTPSource struct {
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger
}

func NewHTTPSource(headers map[string]string, log zerolog.Logger) *HTTPSource {
	return &HTTPSource{client: newStreamClient(), headers: headers, log: log}
}

func (s *HTTPSource) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	resp, err := get(ctx, s.client, src, s.headers)
	if err != nil {
		return nil, err
	}
	ct := resp.Header.Get("Content-Type")
	if !playableContentType(ct) {
		resp.Body.Close()
		return nil, &playback.Error{
			Kind: playback.KindFormatUnsupported,
			Op:   "connect",
			Err:  fmt.Errorf("content type %q", ct),
		}
	}
	s.log.Debug().Int("status", resp.StatusCode).Str("content_type", ct).Msg("stream connected")
	return resp.Body, nil
}

func get(ctx context.Context, client *http.Client, src string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Icy-MetaData", "0")
	req.Header.Set("Cache-Control", "no-store")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &playback.Error{Kind: playback.KindNetwork, Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}
	return resp, nil
}

func statusError(code int) error {
	err := fmt.Errorf("unexpected status: %d", code)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &playback.Error{Kind: playback.KindPermissionDenied, Op: "connect", Err: err}
	case code == http.StatusUnsupportedMediaType || code == http.StatusNotAcceptable:
		return &playback.Error{Kind: playback.KindFormatUnsupported, Op: "connect", Err: err}
	default:
		return &playback.Error{Kind: playback.KindNetwork, Op: "connect", Err: err}
	}
}

// playableContentType rejects responses that are plainly not audio, such as
// an HTML error page served with status 200.
func playableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return true
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "audio/"),
		ct == "application/octet-stream",
		ct == "application/ogg",
		ct == "video/mp2t":
		return true
	default:
		return false
	}
}

// watchdogReader remembers when bytes last arrived and the first read error.
type watchdogReader struct {
	rc io.ReadCloser

	mu       sync.Mutex
	lastRead time.Time
	err      error
	total    int64
}

func newWatchdogReader(rc io.ReadCloser) *watchdogReader {
	return &watchdogReader{rc: rc, lastRead: time.Now()}
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	w.mu.Lock()
	if n > 0 {
		w.lastRead = time.Now()
		w.total += int64(n)
	}
	if err != nil && err != io.EOF && w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	return n, err
}

func (w *watchdogReader) Close() error { return w.rc.Close() }

func (w *watchdogReader) idle() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastRead)
}

func (w *watchdogReader) readErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
