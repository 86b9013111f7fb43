package playback

import (
	"fmt"
	"sync"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusPlaying
	StatusPaused
	StatusErroring
)

// String is the label published to the page and the media session.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "stopped"
	case StatusConnecting:
		return "connecting"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusErroring:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{StatusIdle, StatusConnecting, StatusPlaying, StatusPaused, StatusErroring} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown player status %q", b)
}

var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting},
	StatusConnecting: {StatusPlaying, StatusPaused, StatusIdle, StatusErroring},
	StatusPlaying:    {StatusPaused, StatusErroring},
	StatusPaused:     {StatusConnecting, StatusPlaying},
	StatusErroring:   {StatusConnecting, StatusPaused, StatusPlaying, StatusIdle},
}

// CanTransition reports whether from -> to is an edge of the player state
// machine. Self-edges are not transitions.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	mu      sync.RWMutex
	current Status
	onEnter func(from, to Status)
}

func newStateMachine(onEnter func(from, to Status)) *stateMachine {
	return &stateMachine{current: StatusIdle, onEnter: onEnter}
}

func (sm *stateMachine) Current() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition moves to the target status if the edge exists. Staying put
// counts as success so callers can re-enter Erroring on a later fault.
func (sm *stateMachine) Transition(to Status) bool {
	sm.mu.Lock()
	from := sm.current
	if from == to {
		sm.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		sm.mu.Unlock()
		return false
	}
	sm.current = to
	sm.mu.Unlock()

	if sm.onEnter != nil {
		sm.onEnter(from, to)
	}
	return true
}
