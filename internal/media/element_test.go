package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog"

	"superradio/internal/playback"
)

// byteDecoder turns every input byte into one sample, so tests can feed
// arbitrary bytes instead of real MP3 frames.
type byteDecoder struct {
	rc  io.ReadCloser
	buf []byte
	err error
}

func decodeBytes(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return &byteDecoder{rc: rc}, beep.Format{SampleRate: DefaultSampleRate, NumChannels: 2, Precision: 2}, nil
}

func (d *byteDecoder) Stream(samples [][2]float64) (int, bool) {
	if cap(d.buf) < len(samples) {
		d.buf = make([]byte, len(samples))
	}
	n, err := d.rc.Read(d.buf[:len(samples)])
	for i := 0; i < n; i++ {
		v := float64(d.buf[i]) / 255
		samples[i] = [2]float64{v, v}
	}
	if n == 0 && err != nil {
		if err != io.EOF {
			d.err = err
		}
		return 0, false
	}
	return n, true
}

func (d *byteDecoder) Err() error     { return d.err }
func (d *byteDecoder) Len() int       { return 0 }
func (d *byteDecoder) Position() int  { return 0 }
func (d *byteDecoder) Seek(int) error { return errors.New("live stream is not seekable") }
func (d *byteDecoder) Close() error   { return d.rc.Close() }

func failingDecoder(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	buf := make([]byte, 16)
	_, _ = rc.Read(buf)
	return nil, beep.Format{}, errors.New("no mp3 frame sync")
}

// pullOutput drains streamers on a timer like a sound card would.
type pullOutput struct {
	mu   sync.Mutex
	stop chan struct{}
}

func newPullOutput(t *testing.T) *pullOutput {
	o := &pullOutput{stop: make(chan struct{})}
	t.Cleanup(func() { close(o.stop) })
	return o
}

func (o *pullOutput) SampleRate() beep.SampleRate { return DefaultSampleRate }
func (o *pullOutput) Lock()                       { o.mu.Lock() }
func (o *pullOutput) Unlock()                     { o.mu.Unlock() }

func (o *pullOutput) Play(s beep.Streamer) error {
	go func() {
		buf := make([][2]float64, 512)
		for {
			select {
			case <-o.stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			o.mu.Lock()
			_, ok := s.Stream(buf)
			o.mu.Unlock()
			if !ok {
				return
			}
		}
	}()
	return nil
}

type streamServer struct {
	*httptest.Server
	mu      sync.Mutex
	headers []http.Header
	closed  chan struct{}
}

// newStreamServer serves chunks bytes then, when hold is set, keeps the
// connection open without sending anything more.
func newStreamServer(t *testing.T, contentType string, chunks int, hold bool) *streamServer {
	t.Helper()
	s := &streamServer{closed: make(chan struct{}, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		w.Header().Set("Content-Type", contentType)
		flusher := w.(http.Flusher)
		chunk := make([]byte, 256)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		for i := 0; chunks < 0 || i < chunks; i++ {
			if _, err := w.Write(chunk); err != nil {
				s.closed <- struct{}{}
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				s.closed <- struct{}{}
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		if hold {
			<-r.Context().Done()
			s.closed <- struct{}{}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestElement(t *testing.T, stall time.Duration, dec Decoder) (*Element, chan playback.MediaEvent) {
	t.Helper()
	e := NewElement(ElementConfig{StallTimeout: stall, Decoder: dec},
		Fixed(NativePlayback), NewHTTPSource(nil, zerolog.Nop()), nil, newPullOutput(t), zerolog.Nop())
	events := make(chan playback.MediaEvent, 32)
	e.OnEvent(func(ev playback.MediaEvent) { events <- ev })
	t.Cleanup(func() { _ = e.Close() })
	return e, events
}

func waitFor(t *testing.T, events chan playback.MediaEvent, want playback.MediaEventType) playback.MediaEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return playback.MediaEvent{}
		}
	}
}

func TestElementEmitsPlayingOnceAudioFlows(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", -1, false)
	e, events := newTestElement(t, time.Second, decodeBytes)

	if err := e.Load(srv.URL + "/live"); err != nil {
		t.Fatal(err)
	}
	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, events, playback.MediaPlaying)

	srv.mu.Lock()
	h := srv.headers[0]
	srv.mu.Unlock()
	if h.Get("Icy-MetaData") != "0" {
		t.Errorf("expected Icy-MetaData: 0, got %q", h.Get("Icy-MetaData"))
	}

	// a second Play while streaming is a no-op
	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	srv.mu.Lock()
	n := len(srv.headers)
	srv.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}
}

func TestElementPlayOutlivesCallerContext(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", -1, false)
	e, events := newTestElement(t, time.Second, decodeBytes)
	_ = e.Load(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	cancel()

	waitFor(t, events, playback.MediaPlaying)
	select {
	case ev := <-events:
		if ev.Type == playback.MediaError {
			t.Fatalf("stream died with the request context: %v", ev.Err)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestElementDetectsStall(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", 2, true)
	e, events := newTestElement(t, 150*time.Millisecond, decodeBytes)
	_ = e.Load(srv.URL)

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, events, playback.MediaPlaying)
	ev := waitFor(t, events, playback.MediaStalled)
	if !errors.Is(ev.Err, playback.ErrStallTimeout) {
		t.Fatalf("expected stall timeout error, got %v", ev.Err)
	}

	select {
	case <-srv.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled connection was not dropped")
	}
}

func TestElementEndOfLiveStreamIsNetworkError(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", 3, false)
	e, events := newTestElement(t, time.Second, decodeBytes)
	_ = e.Load(srv.URL)

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	ev := waitFor(t, events, playback.MediaError)
	if got := playback.Classify(ev.Err); got != playback.KindNetwork {
		t.Fatalf("expected network kind, got %s (%v)", got, ev.Err)
	}
}

func TestElementUndecodableStreamIsFormatUnsupported(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", -1, false)
	e, events := newTestElement(t, time.Second, failingDecoder)
	_ = e.Load(srv.URL)

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	ev := waitFor(t, events, playback.MediaError)
	if !errors.Is(ev.Err, playback.ErrFormatUnsupported) {
		t.Fatalf("expected format unsupported, got %v", ev.Err)
	}
}

func TestElementConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		ct   string
		want playback.ErrorKind
	}{
		{"forbidden", http.StatusForbidden, "audio/mpeg", playback.KindPermissionDenied},
		{"unauthorized", http.StatusUnauthorized, "audio/mpeg", playback.KindPermissionDenied},
		{"server error", http.StatusServiceUnavailable, "audio/mpeg", playback.KindNetwork},
		{"html page", http.StatusOK, "text/html; charset=utf-8", playback.KindFormatUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.ct)
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte("<html>nope</html>"))
			}))
			defer srv.Close()

			e, _ := newTestElement(t, time.Second, decodeBytes)
			_ = e.Load(srv.URL)
			err := e.Play(context.Background())
			if got := playback.Classify(err); got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestElementConnectRefusedIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e, _ := newTestElement(t, time.Second, decodeBytes)
	_ = e.Load(url)
	err := e.Play(context.Background())
	if got := playback.Classify(err); got != playback.KindNetwork {
		t.Fatalf("expected network kind, got %s (%v)", got, err)
	}
}

func TestElementPauseDropsConnection(t *testing.T) {
	srv := newStreamServer(t, "audio/mpeg", -1, false)
	e, events := newTestElement(t, time.Second, decodeBytes)
	_ = e.Load(srv.URL)

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	waitFor(t, events, playback.MediaPlaying)

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	select {
	case <-srv.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server still streaming after Pause")
	}

	// nothing from the torn-down connection may surface
	select {
	case ev := <-events:
		if ev.Type == playback.MediaError || ev.Type == playback.MediaStalled {
			t.Fatalf("unexpected %s after pause", ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestElementClosedRejectsPlay(t *testing.T) {
	e, _ := newTestElement(t, time.Second, decodeBytes)
	_ = e.Close()
	if err := e.Play(context.Background()); !errors.Is(err, ErrElementClosed) {
		t.Fatalf("expected ErrElementClosed, got %v", err)
	}
}
