package offline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "superradio_offline_requests_total",
		Help: "Requests seen by the offline router by outcome",
	}, []string{"outcome"})

	installsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "superradio_offline_installs_total",
		Help: "Cache version installs by result",
	}, []string{"result"})

	versionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "superradio_offline_versions_pruned_total",
		Help: "Stale cache versions deleted on activation",
	})
)

const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeBypass      = "bypass"
	outcomeUnavailable = "stream_unavailable"
	outcomeStore       = "store"
	outcomeStoreError  = "store_error"
	outcomePassthrough = "passthrough"
)

var registerOnce sync.Once

func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(requestsTotal, installsTotal, versionsPruned)
	})
}
