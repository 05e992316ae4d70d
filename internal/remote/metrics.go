package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics are registered per Server so tests can use a fresh registry.
type serverMetrics struct {
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	commits     prometheus.Counter
	conflicts   prometheus.Counter
	replays     prometheus.Counter
	pushes      prometheus.Counter
	loads       prometheus.Counter
	rejected    *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	f := promauto.With(reg)
	return &serverMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "connections",
			Help:      "Open client connections",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "frames_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Write batches applied",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Write batches rejected for a stale expected marker",
		}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "replayed_batches_total",
			Help:      "Resent write batches answered from the commit log",
		}),
		pushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "pushes_total",
			Help:      "Document versions pushed to subscribers",
		}),
		loads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "backend_loads_total",
			Help:      "Cold document loads that reached the backend",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "rejected_total",
			Help:      "Handshakes and writes rejected, by reason",
		}, []string{"reason"}),
	}
}
