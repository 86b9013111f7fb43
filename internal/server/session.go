package server

import (
	"sync"

	"superradio/internal/playback"
)

// NowPlaying is the media session of the served page: metadata and the
// playback state go out over SSE, and lock screen style actions come back
// in through the API.
type NowPlaying struct {
	publish func(Event)

	mu       sync.Mutex
	metadata playback.Metadata
	state    string
	actions  map[string]func()
}

func newNowPlaying(publish func(Event)) *NowPlaying {
	return &NowPlaying{
		publish: publish,
		state:   "none",
		actions: map[string]func(){},
	}
}

func (n *NowPlaying) SetMetadata(md playback.Metadata) error {
	n.mu.Lock()
	n.metadata = md
	n.mu.Unlock()
	n.publish(Event{Type: "nowplaying", Metadata: &md})
	return nil
}

func (n *NowPlaying) SetPlaybackState(state string) error {
	n.mu.Lock()
	if n.state == state {
		n.mu.Unlock()
		return nil
	}
	n.state = state
	n.mu.Unlock()
	n.publish(Event{Type: "state", State: state})
	return nil
}

func (n *NowPlaying) SetActionHandler(action string, handler func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if handler == nil {
		delete(n.actions, action)
		return nil
	}
	n.actions[action] = handler
	return nil
}

// Invoke runs the handler for action outside the lock. It reports whether
// one was registered.
func (n *NowPlaying) Invoke(action string) bool {
	n.mu.Lock()
	h, ok := n.actions[action]
	n.mu.Unlock()
	if !ok {
		return false
	}
	h()
	return true
}

func (n *NowPlaying) Snapshot() (playback.Metadata, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metadata, n.state
}
