package alerts

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"superradio/internal/clock"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeveritySuccess, SeverityWarning, SeverityError:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

type Alert struct {
	ID        uint64    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	ShownAt   time.Time `json:"shownAt"`
	Dismissed bool      `json:"dismissed"`
}

// Channel shows one alert at a time. A new alert replaces the current one
// and its pending dismissal.
type Channel struct {
	ttl   time.Duration
	clock clock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	current *Alert
	timer   clock.Timer
	subs    map[int]func(Alert)
	nextSub int
}

func New(ttl time.Duration, clk clock.Clock, log zerolog.Logger) *Channel {
	if ttl <= 0 {
		ttl = 4 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Channel{
		ttl:   ttl,
		clock: clk,
		log:   log,
		subs:  make(map[int]func(Alert)),
	}
}

func (c *Channel) Show(message string, severity Severity) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.seq++
	a := Alert{
		ID:       c.seq,
		Message:  message,
		Severity: severity,
		ShownAt:  c.clock.Now(),
	}
	c.current = &a
	id := a.ID
	c.timer = c.clock.AfterFunc(c.ttl, func() { c.expire(id) })
	subs := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Debug().Str("severity", string(severity)).Msg(message)
	for _, fn := range subs {
		fn(a)
	}
}

// Dismiss hides the current alert early.
func (c *Channel) Dismiss() {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	id := c.current.ID
	c.mu.Unlock()
	c.expire(id)
}

func (c *Channel) expire(id uint64) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != id {
		c.mu.Unlock()
		return
	}
	a := *c.current
	a.Dismissed = true
	c.current = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	subs := c.snapshotLocked()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(a)
	}
}

func (c *Channel) Current() (Alert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Alert{}, false
	}
	return *c.current, true
}

// Subscribe registers fn for every shown and dismissed alert.
func (c *Channel) Subscribe(fn func(Alert)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) snapshotLocked() []func(Alert) {
	out := make([]func(Alert), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}
