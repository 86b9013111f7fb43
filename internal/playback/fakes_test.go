package playback

import (
	"context"
	"errors"
	"sync"

	"superradio/internal/alerts"
)

type fakeMedia struct {
	mu          sync.Mutex
	loads       []string
	plays       int
	pauses      int
	volume      int
	playErr     error
	emitPlaying bool
	handler     func(MediaEvent)
	onLoad      func()
}

func (m *fakeMedia) Load(src string) error {
	m.mu.Lock()
	m.loads = append(m.loads, src)
	hook := m.onLoad
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// hookLoad runs fn inside every later Load, the window where a timer has
// fired but its play has not started yet.
func (m *fakeMedia) hookLoad(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLoad = fn
}

func (m *fakeMedia) Play(ctx context.Context) error {
	m.mu.Lock()
	m.plays++
	err := m.playErr
	emit := m.emitPlaying && err == nil
	h := m.handler
	m.mu.Unlock()

	if emit && h != nil {
		h(MediaEvent{Type: MediaPlaying})
	}
	return err
}

func (m *fakeMedia) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses++
	return nil
}

func (m *fakeMedia) SetVolume(percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = percent
}

func (m *fakeMedia) OnEvent(fn func(MediaEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *fakeMedia) emit(ev MediaEvent) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(ev)
}

func (m *fakeMedia) set(playErr error, emitPlaying bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playErr = playErr
	m.emitPlaying = emitPlaying
}

func (m *fakeMedia) counts() (plays, pauses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plays, m.pauses
}

func (m *fakeMedia) lastLoad() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.loads) == 0 {
		return ""
	}
	return m.loads[len(m.loads)-1]
}

type fakeWake struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

type fakeLock struct{ w *fakeWake }

func (l *fakeLock) Release() error {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	l.w.released++
	return nil
}

func (w *fakeWake) Acquire(ctx context.Context) (WakeLock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.acquired++
	return &fakeLock{w: w}, nil
}

func (w *fakeWake) counts() (acquired, released int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired, w.released
}

type fakeSession struct {
	mu       sync.Mutex
	metadata Metadata
	states   []string
	handlers map[string]func()
}

func (s *fakeSession) SetMetadata(md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = md
	return nil
}

func (s *fakeSession) SetPlaybackState(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeSession) SetActionHandler(action string, handler func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]func())
	}
	s.handlers[action] = handler
	return nil
}

func (s *fakeSession) lastState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ""
	}
	return s.states[len(s.states)-1]
}

type brokenSession struct{}

func (brokenSession) SetMetadata(Metadata) error { return errors.New("no media session") }
func (brokenSession) SetPlaybackState(string) error { return errors.New("no media session") }
func (brokenSession) SetActionHandler(string, func()) error { return errors.New("no media session") }

type fakeAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAlerts) Show(message string, severity alerts.Severity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, message)
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func (a *fakeAlerts) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.msgs) == 0 {
		return ""
	}
	return a.msgs[len(a.msgs)-1]
}

func (a *fakeAlerts) has(msg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

type fakeVibrator struct {
	mu    sync.Mutex
	calls int
}

func (v *fakeVibrator) Vibrate(ms int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return nil
}

type fakePrefs struct {
	mu    sync.Mutex
	vol   int
	saved []int
}

func (p *fakePrefs) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vol
}

func (p *fakePrefs) SetVolume(percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vol = percent
	p.saved = append(p.saved, percent)
	return nil
}
