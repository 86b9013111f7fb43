package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	SpeakerBuffer     = 250 * time.Millisecond
)

// Output is where decoded audio goes. Lock/Unlock guard changes to a
// streamer that is already playing.
type Output interface {
	SampleRate() beep.SampleRate
	Play(s beep.Streamer) error
	Lock()
	Unlock()
}

// Speaker plays through the host audio device. The device is opened once,
// lazily, at a fixed rate; streams are resampled to it.
type Speaker struct {
	rate beep.SampleRate

	once    sync.Once
	initErr error
}

func NewSpeaker() *Speaker {
	return &Speaker{rate: DefaultSampleRate}
}

func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }

func (s *Speaker) Play(st beep.Streamer) error {
	s.once.Do(func() {
		if err := speaker.Init(s.rate, s.rate.N(SpeakerBuffer)); err != nil {
			s.initErr = fmt.Errorf("initialize speaker: %w", err)
		}
	})
	if s.initErr != nil {
		return s.initErr
	}
	speaker.Play(st)
	return nil
}

func (s *Speaker) Lock()   { speaker.Lock() }
func (s *Speaker) Unlock() { speaker.Unlock() }

// Discard consumes audio in real time without a device, for headless hosts.
type Discard struct {
	rate beep.SampleRate

	mu      sync.Mutex
	playing []beep.Streamer
	stop    chan struct{}
	once    sync.Once
}

func NewDiscard() *Discard {
	return &Discard{rate: DefaultSampleRate, stop: make(chan struct{})}
}

func (d *Discard) SampleRate() beep.SampleRate { return d.rate }

func (d *Discard) Play(st beep.Streamer) error {
	d.mu.Lock()
	d.playing = append(d.playing, st)
	d.mu.Unlock()
	d.once.Do(func() { go d.loop() })
	return nil
}

func (d *Discard) Lock()   { d.mu.Lock() }
func (d *Discard) Unlock() { d.mu.Unlock() }

func (d *Discard) Close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

func (d *Discard) loop() {
	const tick = 50 * time.Millisecond
	buf := make([][2]float64, d.rate.N(tick))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
		}
		d.mu.Lock()
		live := d.playing[:0]
		for _, st := range d.playing {
			if _, ok := st.Stream(buf); ok {
				live = append(live, st)
			}
		}
		d.playing = live
		d.mu.Unlock()
	}
}
