package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestFixedPolicy(t *testing.T) {
	s, err := Fixed(AdaptiveShimPlayback).Choose(context.Background(), "http://example.com/live")
	if err != nil || s != AdaptiveShimPlayback {
		t.Fatalf("got %v, %v", s, err)
	}
}

func TestProbePolicyByExtension(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProbePolicy(nil, zerolog.Nop())
	tests := []struct {
		path string
		want Strategy
	}{
		{"/radio/live.m3u8", AdaptiveShimPlayback},
		{"/radio/LIVE.M3U", AdaptiveShimPlayback},
		{"/radio/stream.mp3", NativePlayback},
		{"/radio/stream.aac", NativePlayback},
	}
	for _, tt := range tests {
		got, err := p.Choose(context.Background(), srv.URL+tt.path)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.path, got, tt.want)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("extension routing should not hit the network, got %d requests", hits.Load())
	}
}

func TestProbePolicyByContentType(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/hls" {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl; charset=utf-8")
			_, _ = w.Write([]byte("#EXTM3U\n"))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte{0xff, 0xfb})
	}))
	defer srv.Close()

	p := NewProbePolicy(nil, zerolog.Nop())
	if s, _ := p.Choose(context.Background(), srv.URL+"/hls"); s != AdaptiveShimPlayback {
		t.Fatalf("playlist content type: got %s", s)
	}
	if s, _ := p.Choose(context.Background(), srv.URL+"/icecast"); s != NativePlayback {
		t.Fatalf("audio content type: got %s", s)
	}

	// cached per URL, query ignored
	if s, _ := p.Choose(context.Background(), srv.URL+"/hls?t=123"); s != AdaptiveShimPlayback {
		t.Fatalf("cached decision: got %s", s)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 probes, got %d", hits.Load())
	}
}

func TestProbePolicyFailureFallsBackToNative(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := NewProbePolicy(nil, zerolog.Nop()).Choose(context.Background(), url+"/live")
	if err != nil || s != NativePlayback {
		t.Fatalf("got %v, %v", s, err)
	}
}

func TestParseStrategy(t *testing.T) {
	if _, ok := ParseStrategy("native", nil, zerolog.Nop()).(Fixed); !ok {
		t.Error("native should be fixed")
	}
	if p, ok := ParseStrategy(" Adaptive ", nil, zerolog.Nop()).(Fixed); !ok || Strategy(p) != AdaptiveShimPlayback {
		t.Error("adaptive should be fixed adaptive")
	}
	if _, ok := ParseStrategy("auto", nil, zerolog.Nop()).(*ProbePolicy); !ok {
		t.Error("auto should probe")
	}
}

func TestPlayableContentType(t *testing.T) {
	tests := map[string]bool{
		"":                          true,
		"audio/mpeg":                true,
		"Audio/AAC; charset=binary": true,
		"application/octet-stream":  true,
		"application/ogg":           true,
		"text/html; charset=utf-8":  false,
		"application/json":          false,
	}
	for ct, want := range tests {
		if got := playableContentType(ct); got != want {
			t.Errorf("playableContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}
