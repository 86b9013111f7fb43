package playback

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"superradio/internal/alerts"
	"superradio/internal/clock"
)

type Config struct {
	Source                string
	MaxRetries            int
	BaseDelay             time.Duration
	ReconnectDelay        time.Duration
	ForegroundResumeDelay time.Duration
	ResumeOnForeground    bool
	CacheBustOnReconnect  bool
	Metadata              Metadata
}

func (cfg *Config) withDefaults() {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1500 * time.Millisecond
	}
	if cfg.ForegroundResumeDelay <= 0 {
		cfg.ForegroundResumeDelay = 300 * time.Millisecond
	}
}

// Options carries the optional platform capabilities. Nil means absent.
type Options struct {
	WakeLocker WakeLocker
	Session    MediaSession
	Vibrator   Vibrator
	Alerts     Alerter
	Prefs      VolumeStore
	Clock      clock.Clock
}

type Session struct {
	Status            Status `json:"status"`
	RetryCount        int    `json:"retryCount"`
	UserHasInteracted bool   `json:"userHasInteracted"`
	Terminal          bool   `json:"terminal"`
	LastError         string `json:"lastError,omitempty"`
	Source            string `json:"source"`
	Volume            int    `json:"volume"`
}

type EventKind string

const (
	EventStatus EventKind = "status"
	EventError  EventKind = "error"
	EventPrompt EventKind = "prompt"
)

type Event struct {
	Kind    EventKind
	Session Session
	Err     error
	// Prompt is set on prompt events: true shows the tap-to-start overlay.
	Prompt bool
}

// Controller is the only thing allowed to drive the audio resource or
// mutate the session.
type Controller struct {
	cfg   Config
	media Media
	wake  WakeLocker
	ms    MediaSession
	vib   Vibrator
	alert Alerter
	prefs VolumeStore
	clock clock.Clock
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	sm         *stateMachine
	retries    int
	interacted bool
	terminal   bool
	lastErr    error
	source     string
	volume     int
	visible    bool
	closed     bool
	epoch      uint64 // bumped by Pause and Close; async work started under an older epoch backs off
	timer      clock.Timer
	timerID    uint64
	lock       WakeLock
	pending    []func()

	dispatchMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func New(cfg Config, media Media, opts Options, log zerolog.Logger) *Controller {
	cfg.withDefaults()
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:     cfg,
		media:   media,
		wake:    opts.WakeLocker,
		ms:      opts.Session,
		vib:     opts.Vibrator,
		alert:   opts.Alerts,
		prefs:   opts.Prefs,
		clock:   clk,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		source:  cfg.Source,
		volume:  80,
		visible: true,
		subs:    make(map[int]func(Event)),
	}
	c.sm = newStateMachine(func(from, to Status) {
		transitionsTotal.WithLabelValues(to.String()).Inc()
		c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("player status")
	})

	if c.prefs != nil {
		c.volume = clampVolume(c.prefs.Volume())
	}
	media.SetVolume(c.volume)
	media.OnEvent(c.handleMediaEvent)
	if err := media.Load(c.source); err != nil {
		c.log.Warn().Err(err).Str("source", c.source).Msg("load stream source")
	}

	if c.ms != nil {
		if err := c.ms.SetMetadata(cfg.Metadata); err != nil {
			c.log.Debug().Err(err).Msg("media session unavailable")
		}
		_ = c.ms.SetActionHandler("play", func() { _ = c.Play(c.ctx) })
		_ = c.ms.SetActionHandler("pause", func() { _ = c.Pause() })
	}
	return c
}

func (c *Controller) Play(ctx context.Context) error {
	return c.play(ctx, nil)
}

// timerPlay is the state a timer-driven play claimed its timer in. The play
// goes ahead only if nothing has moved the controller since.
type timerPlay struct {
	epoch uint64
	from  Status
	retry bool
}

func (c *Controller) play(ctx context.Context, tp *timerPlay) error {
	retry := tp != nil && tp.retry
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	st := c.sm.Current()
	if tp != nil && (tp.epoch != c.epoch || st != tp.from) {
		c.mu.Unlock()
		c.log.Debug().Str("status", st.String()).Msg("timer play superseded")
		return nil
	}
	if st == StatusPlaying || (st == StatusConnecting && !retry) {
		c.mu.Unlock()
		return nil
	}
	if !retry {
		// a user-initiated play starts a fresh failure episode
		c.stopTimerLocked()
		c.retries = 0
		c.terminal = false
	}
	if !c.transitionLocked(StatusConnecting) {
		c.mu.Unlock()
		return fmt.Errorf("play from %s: invalid transition", st)
	}
	epoch := c.epoch
	c.alertLocked("🔗 Conectando...", alerts.SeverityInfo)
	c.statusLocked()
	c.mu.Unlock()
	c.flush()

	c.acquireWakeLock(ctx, epoch)

	err := c.media.Play(ctx)

	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		// paused while connecting; the pause wins
		c.mu.Unlock()
		if err == nil {
			_ = c.media.Pause()
		}
		return nil
	}
	if err == nil {
		c.mu.Unlock()
		return nil
	}
	perr := c.faultLocked("play", err)
	c.mu.Unlock()
	c.flush()
	return perr
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	st := c.sm.Current()
	if st == StatusPaused || st == StatusIdle {
		// nothing to undo except a pending reconnect, possibly already firing
		c.epoch++
		c.stopTimerLocked()
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	c.stopTimerLocked()
	wl := c.takeWakeLockLocked()
	c.terminal = false
	c.transitionLocked(StatusPaused)
	c.sessionStateLocked("paused")
	c.alertLocked("⏸️ Pausado", alerts.SeverityWarning)
	c.statusLocked()
	c.mu.Unlock()

	c.releaseWakeLock(wl)
	if err := c.media.Pause(); err != nil {
		c.log.Warn().Err(err).Msg("pause media")
	}
	c.flush()
	return nil
}

// Toggle pauses when playback is heading forward (connecting, playing or
// retrying) and plays otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	st := c.sm.Current()
	forward := st == StatusConnecting || st == StatusPlaying || (st == StatusErroring && !c.terminal)
	c.mu.Unlock()

	if forward {
		return c.Pause()
	}
	return c.Play(ctx)
}

// ForceReconnect drops the current connection, re-arms the source and,
// after ReconnectDelay, resumes if playback was active.
func (c *Controller) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	st := c.sm.Current()
	wasActive := st == StatusConnecting || st == StatusPlaying || (st == StatusErroring && !c.terminal)
	c.mu.Unlock()

	c.log.Info().Bool("was_active", wasActive).Msg("manual reconnect")
	if c.alert != nil {
		c.alert.Show("🔄 Reconectando...", alerts.SeverityInfo)
	}
	if wasActive {
		_ = c.Pause()
	}

	c.mu.Lock()
	src := c.sourceLocked(true)
	c.source = src
	c.stopTimerLocked()
	c.mu.Unlock()

	if err := c.media.Load(src); err != nil {
		c.log.Warn().Err(err).Msg("re-arm stream source")
	}

	c.mu.Lock()
	c.armTimerLocked(c.cfg.ReconnectDelay, func(id uint64) { c.reconnectFire(ctx, id, wasActive) })
	c.statusLocked()
	c.mu.Unlock()
	c.flush()
	return nil
}

func (c *Controller) reconnectFire(ctx context.Context, id uint64, resume bool) {
	c.mu.Lock()
	if c.closed || !c.claimTimerLocked(id) {
		c.mu.Unlock()
		return
	}
	tp := &timerPlay{epoch: c.epoch, from: c.sm.Current()}
	c.mu.Unlock()

	if resume {
		if ctx.Err() != nil {
			ctx = c.ctx
		}
		_ = c.play(ctx, tp)
		return
	}
	if c.alert != nil {
		c.alert.Show("✅ Reconexión completada. Presiona PLAY.", alerts.SeveritySuccess)
	}
}

// NoteInteraction latches the first user gesture. It never un-latches.
func (c *Controller) NoteInteraction() {
	c.mu.Lock()
	if c.interacted {
		c.mu.Unlock()
		return
	}
	c.interacted = true
	c.emitLocked(Event{Kind: EventPrompt, Prompt: false, Session: c.sessionLocked()})
	c.mu.Unlock()

	c.log.Debug().Msg("user interaction")
	c.flush()
}

// SetVisible reports page visibility. Regaining it while playing re-acquires
// the wake lock and optionally re-asserts play.
func (c *Controller) SetVisible(ctx context.Context, visible bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	st := c.sm.Current()
	epoch := c.epoch
	c.mu.Unlock()

	if !visible || was || st != StatusPlaying {
		return
	}
	c.acquireWakeLock(ctx, epoch)
	if !c.cfg.ResumeOnForeground {
		return
	}
	c.clock.AfterFunc(c.cfg.ForegroundResumeDelay, func() {
		c.mu.Lock()
		ok := !c.closed && epoch == c.epoch && c.sm.Current() == StatusPlaying
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := c.media.Play(c.ctx); err != nil {
			c.log.Warn().Err(err).Msg("resume after foreground")
		}
	})
}

func (c *Controller) SetVolume(percent int) int {
	p := clampVolume(percent)
	c.mu.Lock()
	c.volume = p
	c.statusLocked()
	c.mu.Unlock()

	c.media.SetVolume(p)
	if c.prefs != nil {
		if err := c.prefs.SetVolume(p); err != nil {
			c.log.Warn().Err(err).Int("volume", p).Msg("persist volume")
		}
	}
	c.flush()
	return p
}

func (c *Controller) Volume() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked()
}

// Subscribe registers fn for status, error and prompt events. Events are
// delivered in the order the session changed, never under the session lock.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	c.stopTimerLocked()
	wl := c.takeWakeLockLocked()
	c.mu.Unlock()

	c.cancel()
	c.releaseWakeLock(wl)
	if cl, ok := c.media.(io.Closer); ok {
		return cl.Close()
	}
	return c.media.Pause()
}

func (c *Controller) handleMediaEvent(ev MediaEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.sm.Current()
	repause := false

	switch ev.Type {
	case MediaPlaying:
		switch st {
		case StatusPlaying:
		case StatusPaused, StatusIdle:
			repause = true
		default:
			c.stopTimerLocked()
			c.retries = 0
			c.terminal = false
			c.lastErr = nil
			c.transitionLocked(StatusPlaying)
			c.alertLocked("🎶 ¡En Vivo!", alerts.SeveritySuccess)
			c.sessionStateLocked("playing")
			c.vibrateLocked()
			c.statusLocked()
		}
	case MediaPaused:
		if st == StatusPlaying {
			c.releaseLater(c.takeWakeLockLocked())
			c.transitionLocked(StatusPaused)
			c.sessionStateLocked("paused")
			c.statusLocked()
		}
	case MediaWaiting:
		c.log.Debug().Msg("buffering")
	case MediaStalled:
		c.faultLocked("stream", ErrStallTimeout)
	case MediaError:
		err := ev.Err
		if err == nil {
			err = ErrNetwork
		}
		c.faultLocked("stream", err)
	}
	c.mu.Unlock()

	if repause {
		c.log.Debug().Msg("media resumed while paused, pausing again")
		_ = c.media.Pause()
	}
	c.flush()
}

// faultLocked records err and applies the recovery policy for its kind.
func (c *Controller) faultLocked(op string, err error) *Error {
	perr := wrap(op, err)
	c.lastErr = perr
	playErrors.WithLabelValues(perr.Kind.String()).Inc()

	st := c.sm.Current()
	c.log.Warn().Err(err).Str("op", op).Str("kind", perr.Kind.String()).Str("status", st.String()).Msg("playback error")
	c.emitLocked(Event{Kind: EventError, Err: perr, Session: c.sessionLocked()})

	if st == StatusPaused || st == StatusIdle || c.terminal {
		return perr
	}

	switch {
	case perr.Kind == KindPermissionDenied:
		c.stopTimerLocked()
		c.releaseLater(c.takeWakeLockLocked())
		c.transitionLocked(StatusIdle)
		c.alertLocked("❌ Toca la pantalla para permitir audio", alerts.SeverityError)
		if !c.interacted {
			c.emitLocked(Event{Kind: EventPrompt, Prompt: true, Session: c.sessionLocked()})
		}
		c.statusLocked()
	case perr.Kind == KindFormatUnsupported:
		c.giveUpLocked("❌ Formato no soportado")
	case perr.Kind.Retryable():
		c.retryLocked()
	}
	return perr
}

func (c *Controller) retryLocked() {
	if c.timer != nil {
		c.log.Debug().Int("attempt", c.retries).Msg("reconnect already scheduled")
		return
	}
	if c.retries >= c.cfg.MaxRetries {
		c.giveUpLocked("❌ Sin señal")
		return
	}
	c.retries++
	c.transitionLocked(StatusErroring)

	delay := c.cfg.BaseDelay * time.Duration(c.retries)
	c.armTimerLocked(delay, c.retryFire)
	retriesScheduled.Inc()
	c.log.Info().Int("attempt", c.retries).Dur("delay", delay).Msg("reconnect scheduled")
	c.alertLocked(fmt.Sprintf("🔄 Reconectando (%d/%d)...", c.retries, c.cfg.MaxRetries), alerts.SeverityWarning)
	c.statusLocked()
}

func (c *Controller) retryFire(id uint64) {
	c.mu.Lock()
	if c.closed || !c.claimTimerLocked(id) || c.terminal || c.sm.Current() != StatusErroring {
		c.mu.Unlock()
		return
	}
	src := c.sourceLocked(true)
	c.source = src
	interacted := c.interacted
	tp := &timerPlay{epoch: c.epoch, from: StatusErroring, retry: true}
	c.mu.Unlock()

	if err := c.media.Load(src); err != nil {
		c.log.Warn().Err(err).Msg("re-arm stream source")
	}
	if !interacted {
		c.log.Info().Msg("source re-armed, waiting for a user gesture to play")
		return
	}
	_ = c.play(c.ctx, tp)
}

func (c *Controller) giveUpLocked(msg string) {
	c.stopTimerLocked()
	c.terminal = true
	c.transitionLocked(StatusErroring)
	c.releaseLater(c.takeWakeLockLocked())
	terminalFailures.Inc()
	c.log.Error().Int("retries", c.retries).Msg("giving up on stream")
	c.alertLocked(msg, alerts.SeverityError)
	c.sessionStateLocked("none")
	c.statusLocked()
}

func (c *Controller) transitionLocked(to Status) bool {
	from := c.sm.Current()
	if !c.sm.Transition(to) {
		c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("rejected status transition")
		return false
	}
	return true
}

func (c *Controller) armTimerLocked(d time.Duration, fire func(id uint64)) {
	c.stopTimerLocked()
	c.timerID++
	id := c.timerID
	c.timer = c.clock.AfterFunc(d, func() { fire(id) })
}

func (c *Controller) claimTimerLocked(id uint64) bool {
	if c.timer == nil || id != c.timerID {
		return false
	}
	c.timer = nil
	return true
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) acquireWakeLock(ctx context.Context, epoch uint64) {
	if c.wake == nil {
		return
	}
	c.mu.Lock()
	old := c.takeWakeLockLocked()
	c.mu.Unlock()
	c.releaseWakeLock(old)

	wl, err := c.wake.Acquire(ctx)
	if err != nil {
		c.log.Debug().Err(&Error{Kind: KindResourceUnavailable, Op: "wake lock", Err: err}).Msg("wake lock unavailable")
		return
	}

	c.mu.Lock()
	if c.closed || epoch != c.epoch || c.lock != nil {
		c.mu.Unlock()
		c.releaseWakeLock(wl)
		return
	}
	c.lock = wl
	c.mu.Unlock()
}

func (c *Controller) takeWakeLockLocked() WakeLock {
	wl := c.lock
	c.lock = nil
	return wl
}

func (c *Controller) releaseWakeLock(wl WakeLock) {
	if wl == nil {
		return
	}
	if err := wl.Release(); err != nil {
		c.log.Debug().Err(err).Msg("release wake lock")
	}
}

func (c *Controller) releaseLater(wl WakeLock) {
	if wl != nil {
		c.pending = append(c.pending, func() { c.releaseWakeLock(wl) })
	}
}

func (c *Controller) sourceLocked(reconnect bool) string {
	if !reconnect || !c.cfg.CacheBustOnReconnect {
		return c.cfg.Source
	}
	u, err := url.Parse(c.cfg.Source)
	if err != nil {
		return c.cfg.Source
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(c.clock.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Controller) sessionLocked() Session {
	s := Session{
		Status:            c.sm.Current(),
		RetryCount:        c.retries,
		UserHasInteracted: c.interacted,
		Terminal:          c.terminal,
		Source:            c.source,
		Volume:            c.volume,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Controller) emitLocked(ev Event) {
	c.pending = append(c.pending, func() { c.deliver(ev) })
}

func (c *Controller) statusLocked() {
	c.emitLocked(Event{Kind: EventStatus, Session: c.sessionLocked()})
}

func (c *Controller) alertLocked(msg string, sev alerts.Severity) {
	if c.alert == nil {
		return
	}
	a := c.alert
	c.pending = append(c.pending, func() { a.Show(msg, sev) })
}

func (c *Controller) sessionStateLocked(state string) {
	if c.ms == nil {
		return
	}
	ms := c.ms
	c.pending = append(c.pending, func() {
		if err := ms.SetPlaybackState(state); err != nil {
			c.log.Debug().Err(err).Str("state", state).Msg("media session state")
		}
	})
}

func (c *Controller) vibrateLocked() {
	if c.vib == nil {
		return
	}
	v := c.vib
	c.pending = append(c.pending, func() {
		if err := v.Vibrate(50); err != nil {
			c.log.Debug().Err(err).Msg("vibrate")
		}
	})
}

// flush runs queued side effects outside the session lock. Only one
// goroutine drains at a time so subscribers see mutation order; work queued
// by a re-entrant call is picked up by the loop already draining.
func (c *Controller) flush() {
	for {
		if !c.dispatchMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			work := c.pending
			c.pending = nil
			c.mu.Unlock()
			if len(work) == 0 {
				break
			}
			for _, fn := range work {
				fn()
			}
		}
		c.dispatchMu.Unlock()

		c.mu.Lock()
		more := len(c.pending) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func (c *Controller) deliver(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func clampVolume(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
