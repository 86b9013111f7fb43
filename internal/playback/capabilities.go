package playback

import (
	"context"

	"superradio/internal/alerts"
)

type MediaEventType int

const (
	MediaPlaying MediaEventType = iota
	MediaPaused
	MediaWaiting
	MediaStalled
	MediaError
)

func (t MediaEventType) String() string {
	switch t {
	case MediaPlaying:
		return "playing"
	case MediaPaused:
		return "paused"
	case MediaWaiting:
		return "waiting"
	case MediaStalled:
		return "stalled"
	case MediaError:
		return "error"
	default:
		return "unknown"
	}
}

type MediaEvent struct {
	Type MediaEventType
	Err  error
}

// Media is the single audio resource. Only the Controller drives it.
type Media interface {
	Load(src string) error
	// Play starts or resumes output. Returning nil does not mean audio is
	// flowing yet; a MediaPlaying event follows once it is.
	Play(ctx context.Context) error
	Pause() error
	SetVolume(percent int)
	OnEvent(fn func(MediaEvent))
}

type WakeLock interface {
	Release() error
}

type WakeLocker interface {
	Acquire(ctx context.Context) (WakeLock, error)
}

type Metadata struct {
	Title   string   `json:"title"`
	Artist  string   `json:"artist"`
	Album   string   `json:"album"`
	Artwork []string `json:"artwork"`
}

// MediaSession is the platform now-playing integration.
type MediaSession interface {
	SetMetadata(md Metadata) error
	SetPlaybackState(state string) error
	SetActionHandler(action string, handler func()) error
}

type Vibrator interface {
	Vibrate(ms int) error
}

type Alerter interface {
	Show(message string, severity alerts.Severity)
}

// VolumeStore persists the volume preference.
type VolumeStore interface {
	Volume() int
	SetVolume(percent int) error
}
