package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"superradio/internal/playback"
)

// Segment is one media segment of an HLS playlist.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string
}

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	URI    string
	Codecs []string
}

type Playlist struct {
	TargetDuration float64
	MediaSequence  int64
	Segments       []Segment
	Variants       []Variant // set on master playlists
	Ended          bool
}

func (p *Playlist) IsMaster() bool { return len(p.Variants) > 0 }

var errNotPlaylist = errors.New("not an m3u8 playlist")

// ParsePlaylist reads the subset of m3u8 a live audio stream needs.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	pl := &Playlist{}

	first := true
	var (
		pendingDur float64
		pendingSeg bool
		pendingVar bool
		varCodecs  []string
		seq        int64
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, errNotPlaylist
			}
			first = false
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			pl.TargetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err == nil {
				pl.MediaSequence = n
				seq = n
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.Index(v, ","); i >= 0 {
				v = v[:i]
			}
			pendingDur, _ = strconv.ParseFloat(v, 64)
			pendingSeg = true
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			pendingVar = true
			varCodecs = parseCodecs(line)
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
			// unhandled tag
		case pendingVar:
			pl.Variants = append(pl.Variants, Variant{URI: line, Codecs: varCodecs})
			pendingVar = false
			varCodecs = nil
		case pendingSeg:
			pl.Segments = append(pl.Segments, Segment{Sequence: seq, Duration: pendingDur, URI: line})
			seq++
			pendingSeg = false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, errNotPlaylist
	}
	return pl, nil
}

func parseCodecs(line string) []string {
	i := strings.Index(line, `CODECS="`)
	if i < 0 {
		return nil
	}
	v := line[i+len(`CODECS="`):]
	if j := strings.IndexByte(v, '"'); j >= 0 {
		v = v[:j]
	}
	var out []string
	for _, c := range strings.Split(v, ",") {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// The decoder behind the shim only takes MPEG audio, so only MP3 renditions
// and raw .mp3 segments can play. Variants without CODECS are given a try.
var mp3Codecs = map[string]bool{"mp4a.40.34": true, "mp4a.6b": true, "mp4a.69": true, "mp3": true}

func (v Variant) decodable() bool {
	if len(v.Codecs) == 0 {
		return true
	}
	for _, c := range v.Codecs {
		if mp3Codecs[c] {
			return true
		}
	}
	return false
}

// segment containers the decoder cannot read
var undecodableSegments = map[string]bool{
	".ts": true, ".aac": true, ".adts": true, ".m4s": true, ".mp4": true, ".m4a": true, ".fmp4": true,
}

func checkSegments(pl *Playlist) error {
	for _, seg := range pl.Segments {
		u, err := url.Parse(seg.URI)
		if err != nil {
			continue
		}
		if ext := strings.ToLower(path.Ext(u.Path)); undecodableSegments[ext] {
			return &playback.Error{
				Kind: playback.KindFormatUnsupported,
				Op:   "playlist",
				Err:  fmt.Errorf("%w: %s segments are not mp3", playback.ErrFormatUnsupported, ext),
			}
		}
	}
	return nil
}

// HLSSource is the adaptive shim: it follows a live playlist and splices
// its segments into one continuous reader.
type HLSSource struct {
	client  *http.Client
	headers map[string]string
	minPoll time.Duration
	log     zerolog.Logger
}

func NewHLSSource(headers map[string]string, log zerolog.Logger) *HLSSource {
	return &HLSSource{
		client:  newStreamClient(),
		headers: headers,
		minPoll: 500 * time.Millisecond,
		log:     log,
	}
}

func (s *HLSSource) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	mediaURL, pl, err := s.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go s.pump(ctx, mediaURL, pl, pw)
	return &cancelReadCloser{ReadCloser: pr, cancel: cancel}, nil
}

// resolve loads src and, for a master playlist, its first mp3 variant.
func (s *HLSSource) resolve(ctx context.Context, src string) (*url.URL, *Playlist, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, nil, fmt.Errorf("parse playlist url: %w", err)
	}
	pl, err := s.fetchPlaylist(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if !pl.IsMaster() {
		if err := checkSegments(pl); err != nil {
			return nil, nil, err
		}
		return u, pl, nil
	}

	var chosen *Variant
	for i := range pl.Variants {
		if pl.Variants[i].decodable() {
			chosen = &pl.Variants[i]
			break
		}
	}
	if chosen == nil {
		return nil, nil, &playback.Error{
			Kind: playback.KindFormatUnsupported,
			Op:   "playlist",
			Err:  fmt.Errorf("%w: no mp3 rendition among %d variants", playback.ErrFormatUnsupported, len(pl.Variants)),
		}
	}
	variant, err := u.Parse(chosen.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("parse variant url: %w", err)
	}
	s.log.Debug().Str("variant", variant.String()).Int("variants", len(pl.Variants)).Msg("following mp3 variant")
	media, err := s.fetchPlaylist(ctx, variant)
	if err != nil {
		return nil, nil, err
	}
	if err := checkSegments(media); err != nil {
		return nil, nil, err
	}
	return variant, media, nil
}

func (s *HLSSource) fetchPlaylist(ctx context.Context, u *url.URL) (*Playlist, error) {
	resp, err := get(ctx, s.client, u.String(), s.headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pl, err := ParsePlaylist(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(err, errNotPlaylist) {
			return nil, &playback.Error{Kind: playback.KindFormatUnsupported, Op: "playlist", Err: err}
		}
		return nil, &playback.Error{Kind: playback.KindNetwork, Op: "playlist", Err: err}
	}
	return pl, nil
}

func (s *HLSSource) pump(ctx context.Context, mediaURL *url.URL, pl *Playlist, pw *io.PipeWriter) {
	var last int64 = -1
	// a live edge join starts a few segments back, not at the oldest one
	if !pl.Ended && len(pl.Segments) > 3 {
		last = pl.Segments[len(pl.Segments)-4].Sequence
	}

	for {
		for _, seg := range pl.Segments {
			if seg.Sequence <= last {
				continue
			}
			if err := s.copySegment(ctx, mediaURL, seg, pw); err != nil {
				pw.CloseWithError(err)
				return
			}
			last = seg.Sequence
		}
		if pl.Ended {
			pw.Close()
			return
		}

		wait := time.Duration(pl.TargetDuration * float64(time.Second) / 2)
		if wait < s.minPoll {
			wait = s.minPoll
		}
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case <-time.After(wait):
		}

		next, err := s.fetchPlaylist(ctx, mediaURL)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pl = next
	}
}

func (s *HLSSource) copySegment(ctx context.Context, base *url.URL, seg Segment, w io.Writer) error {
	u, err := base.Parse(seg.URI)
	if err != nil {
		return fmt.Errorf("parse segment url: %w", err)
	}
	resp, err := get(ctx, s.client, u.String(), s.headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("segment %d: %w", seg.Sequence, err)
	}
	return nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
