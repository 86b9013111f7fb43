package media

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/rs/zerolog"

	"superradio/internal/playback"
)

const (
	sampleBuffer = 8192
	eventBuffer  = 64
)

var ErrElementClosed = errors.New("media element closed")

type Decoder func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

func decodeMP3(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	return mp3.Decode(rc)
}

type ElementConfig struct {
	StallTimeout time.Duration
	Decoder      Decoder // mp3 when nil
}

// Element is the audio resource: one live connection at a time, decoded
// into the Output. It reports what happens through media events.
type Element struct {
	cfg    ElementConfig
	policy Policy
	native Source
	shim   Source
	out    Output
	log    zerolog.Logger

	base      context.Context
	cancel    context.CancelFunc
	events    chan playback.MediaEvent
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	src     string
	volume  int
	handler func(playback.MediaEvent)
	gen     uint64
	cur     *stream
	closed  bool
}

type stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    *watchdogReader
	samples chan [2]float64
	vol     *effects.Volume
	ctrl    *beep.Ctrl

	started   chan struct{}
	startOnce sync.Once
	starved   atomic.Bool
}

func (st *stream) markStarted() {
	st.startOnce.Do(func() { close(st.started) })
}

func NewElement(cfg ElementConfig, policy Policy, native, shim Source, out Output, log zerolog.Logger) *Element {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 10 * time.Second
	}
	if cfg.Decoder == nil {
		cfg.Decoder = decodeMP3
	}
	if policy == nil {
		policy = Fixed(NativePlayback)
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Element{
		cfg:    cfg,
		policy: policy,
		native: native,
		shim:   shim,
		out:    out,
		log:    log,
		base:   base,
		cancel: cancel,
		events: make(chan playback.MediaEvent, eventBuffer),
		done:   make(chan struct{}),
		volume: 80,
	}
	go e.dispatch()
	return e
}

func (e *Element) OnEvent(fn func(playback.MediaEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

// Load points the element at src, dropping any live connection.
func (e *Element) Load(src string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrElementClosed
	}
	e.src = src
	st := e.detachLocked()
	e.mu.Unlock()

	e.teardown(st)
	return nil
}

func (e *Element) Play(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrElementClosed
	}
	if e.cur != nil {
		e.mu.Unlock()
		return nil
	}
	src := e.src
	vol := e.volume
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	strategy, err := e.policy.Choose(ctx, src)
	if err != nil {
		e.log.Warn().Err(err).Msg("choose playback strategy")
	}
	source := e.native
	if strategy == AdaptiveShimPlayback && e.shim != nil {
		source = e.shim
	}

	// the connection outlives ctx; ctx only bounds the connect
	sctx, cancel := context.WithCancel(e.base)
	stop := context.AfterFunc(ctx, cancel)
	body, err := source.Open(sctx, src)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	st := &stream{
		ctx:     sctx,
		cancel:  cancel,
		body:    newWatchdogReader(body),
		samples: make(chan [2]float64, sampleBuffer),
		started: make(chan struct{}),
	}
	st.vol = &effects.Volume{Base: 2}
	applyVolume(st.vol, vol)
	st.ctrl = &beep.Ctrl{}

	e.mu.Lock()
	if e.closed || e.gen != gen {
		// paused or re-armed while connecting
		e.mu.Unlock()
		cancel()
		body.Close()
		return nil
	}
	e.cur = st
	e.mu.Unlock()

	e.log.Debug().Str("strategy", strategy.String()).Str("src", src).Msg("stream opened")
	go e.run(st)
	return nil
}

func (e *Element) Pause() error {
	e.mu.Lock()
	e.gen++
	st := e.detachLocked()
	e.mu.Unlock()

	e.teardown(st)
	return nil
}

func (e *Element) SetVolume(percent int) {
	e.mu.Lock()
	e.volume = percent
	st := e.cur
	e.mu.Unlock()

	if st != nil {
		e.out.Lock()
		applyVolume(st.vol, percent)
		e.out.Unlock()
	}
}

func (e *Element) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.gen++
		st := e.detachLocked()
		e.mu.Unlock()

		e.teardown(st)
		e.cancel()
		close(e.done)
	})
	return nil
}

func (e *Element) detachLocked() *stream {
	st := e.cur
	e.cur = nil
	return st
}

func (e *Element) teardown(st *stream) {
	if st == nil {
		return
	}
	st.cancel()
	e.out.Lock()
	st.ctrl.Streamer = nil
	e.out.Unlock()
	_ = st.body.Close()
}

func (e *Element) run(st *stream) {
	defer st.body.Close()
	go e.monitor(st)

	dec, format, err := e.cfg.Decoder(st.body)
	if err != nil {
		if st.ctx.Err() != nil {
			return
		}
		if rerr := st.body.readErr(); rerr != nil {
			e.fail(st, playback.MediaEvent{Type: playback.MediaError, Err: &playback.Error{Kind: playback.KindNetwork, Op: "read", Err: rerr}})
			return
		}
		e.fail(st, playback.MediaEvent{Type: playback.MediaError, Err: &playback.Error{Kind: playback.KindFormatUnsupported, Op: "decode", Err: err}})
		return
	}
	defer dec.Close()

	var src beep.Streamer = &liveStreamer{st: st}
	if rate := e.out.SampleRate(); format.SampleRate != rate {
		src = beep.Resample(4, format.SampleRate, rate, src)
	}

	e.out.Lock()
	live := st.ctx.Err() == nil
	if live {
		st.vol.Streamer = src
		st.ctrl.Streamer = st.vol
	}
	e.out.Unlock()
	if !live {
		return
	}
	if err := e.out.Play(st.ctrl); err != nil {
		e.fail(st, playback.MediaEvent{Type: playback.MediaError, Err: &playback.Error{Kind: playback.KindUnknown, Op: "output", Err: err}})
		return
	}

	e.decodeLoop(st, dec)
}

// decodeLoop feeds decoded samples to the output side. A live stream has no
// end, so running out of input is a failure.
func (e *Element) decodeLoop(st *stream, dec beep.StreamSeekCloser) {
	buf := make([][2]float64, 4096)
	for {
		n, ok := dec.Stream(buf)
		if !ok {
			if st.ctx.Err() != nil {
				return
			}
			err := dec.Err()
			if rerr := st.body.readErr(); rerr != nil {
				err = rerr
			}
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			e.fail(st, playback.MediaEvent{Type: playback.MediaError, Err: &playback.Error{Kind: playback.KindNetwork, Op: "read", Err: err}})
			return
		}
		for i := 0; i < n; i++ {
			select {
			case <-st.ctx.Done():
				return
			case st.samples <- buf[i]:
			}
		}
	}
}

func (e *Element) monitor(st *stream) {
	every := e.cfg.StallTimeout / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	started := st.started
	flowing := false
	for {
		select {
		case <-st.ctx.Done():
			return
		case <-started:
			started = nil
			flowing = true
			e.emit(st, playback.MediaEvent{Type: playback.MediaPlaying})
		case <-tick.C:
			if st.body.idle() > e.cfg.StallTimeout {
				e.log.Warn().Dur("idle", st.body.idle()).Msg("stream stalled")
				e.fail(st, playback.MediaEvent{Type: playback.MediaStalled, Err: playback.ErrStallTimeout})
				return
			}
			if starved := st.starved.Load(); starved && flowing {
				flowing = false
				e.emit(st, playback.MediaEvent{Type: playback.MediaWaiting})
			} else if !starved && started == nil && !flowing {
				flowing = true
				e.emit(st, playback.MediaEvent{Type: playback.MediaPlaying})
			}
		}
	}
}

// fail ends st and reports ev, unless st was already replaced.
func (e *Element) fail(st *stream, ev playback.MediaEvent) {
	e.mu.Lock()
	if e.cur != st {
		e.mu.Unlock()
		return
	}
	e.cur = nil
	e.gen++
	e.mu.Unlock()

	e.teardown(st)
	e.send(ev)
}

func (e *Element) emit(st *stream, ev playback.MediaEvent) {
	e.mu.Lock()
	current := e.cur == st
	e.mu.Unlock()
	if current {
		e.send(ev)
	}
}

func (e *Element) send(ev playback.MediaEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Element) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}
	}
}

// liveStreamer never blocks the output: an empty buffer plays silence.
type liveStreamer struct {
	st *stream
}

func (l *liveStreamer) Stream(samples [][2]float64) (int, bool) {
	got := 0
fill:
	for got < len(samples) {
		select {
		case s := <-l.st.samples:
			samples[got] = s
			got++
		default:
			break fill
		}
	}
	for i := got; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	if got > 0 {
		l.st.markStarted()
	}
	l.st.starved.Store(got == 0)
	return len(samples), true
}

func (l *liveStreamer) Err() error { return nil }

func applyVolume(v *effects.Volume, percent int) {
	if percent <= 0 {
		v.Silent = true
		return
	}
	if percent > 100 {
		percent = 100
	}
	v.Silent = false
	v.Volume = math.Log2(float64(percent) / 100)
}
