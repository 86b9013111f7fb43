package playback

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "superradio_player_transitions_total",
		Help: "Player status transitions by target status",
	}, []string{"status"})

	retriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "superradio_player_retries_scheduled_total",
		Help: "Reconnect attempts scheduled after a stream failure",
	})

	terminalFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "superradio_player_terminal_failures_total",
		Help: "Times the player gave up and showed no signal",
	})

	playErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "superradio_player_errors_total",
		Help: "Playback errors by kind",
	}, []string{"kind"})
)

var registerOnce sync.Once

func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(transitionsTotal, retriesScheduled, terminalFailures, playErrors)
	})
}
