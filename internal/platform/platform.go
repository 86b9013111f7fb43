package platform

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"superradio/internal/playback"
)

// InhibitWakeLock keeps the host awake by holding a systemd-inhibit child
// for as long as the lock is held.
type InhibitWakeLock struct {
	argv []string
	log  zerolog.Logger
}

func NewInhibitWakeLock(log zerolog.Logger) *InhibitWakeLock {
	bin, err := exec.LookPath("systemd-inhibit")
	if err != nil {
		return &InhibitWakeLock{log: log}
	}
	return &InhibitWakeLock{
		argv: []string{
			bin,
			"--what=idle:sleep",
			"--who=superradio",
			"--why=Playing live radio",
			"--mode=block",
			"sleep", "infinity",
		},
		log: log,
	}
}

func (w *InhibitWakeLock) Available() bool { return w != nil && len(w.argv) > 0 }

func (w *InhibitWakeLock) Acquire(ctx context.Context) (playback.WakeLock, error) {
	if !w.Available() {
		return nil, playback.ErrResourceUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// not CommandContext: the lock outlives the request that took it
	cmd := exec.Command(w.argv[0], w.argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", w.argv[0], err)
	}
	h := &inhibitLock{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	w.log.Debug().Int("pid", cmd.Process.Pid).Msg("wake lock acquired")
	return h, nil
}

type inhibitLock struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (l *inhibitLock) Release() error {
	var err error
	l.once.Do(func() {
		select {
		case <-l.done:
			return
		default:
		}
		err = l.cmd.Process.Kill()
		<-l.done
	})
	return err
}

// BellVibrator is haptic feedback for a terminal: it rings the bell.
type BellVibrator struct {
	mu  sync.Mutex
	out io.Writer
}

func NewBellVibrator(out io.Writer) *BellVibrator {
	return &BellVibrator{out: out}
}

func (b *BellVibrator) Vibrate(ms int) error {
	if ms <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.out, "\a")
	return err
}
