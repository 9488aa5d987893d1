package suspend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	LiveSessions     prometheus.Gauge
	HangingEntries   prometheus.Gauge
	BufferedBytes    prometheus.Gauge
	DroppedBytes     prometheus.Counter
	Resumes          *prometheus.CounterVec
	AutoTerminations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellkeeper",
			Name:      "live_sessions",
			Help:      "Shell sessions with an attached transport.",
		}),
		HangingEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellkeeper",
			Name:      "hanging_entries",
			Help:      "Suspended shells alive and buffering output.",
		}),
		BufferedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellkeeper",
			Subsystem: "replay",
			Name:      "buffered_bytes",
			Help:      "Output bytes held in replay buffers.",
		}),
		DroppedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shellkeeper",
			Subsystem: "replay",
			Name:      "dropped_bytes_total",
			Help:      "Output bytes evicted from full replay buffers.",
		}),
		Resumes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellkeeper",
			Name:      "resumes_total",
			Help:      "Resume requests by outcome.",
		}, []string{"outcome"}),
		AutoTerminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellkeeper",
			Name:      "auto_terminations_total",
			Help:      "Hanging entries killed by the backend, by reason.",
		}, []string{"reason"}),
	}
}
