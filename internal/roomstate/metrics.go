package roomstate

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records store traffic. A nil *Metrics records nothing.
type Metrics struct {
	reads         *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeDuration prometheus.Histogram
}

// NewMetrics registers the store collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstate_reads_total",
			Help: "Scope reads by result",
		}, []string{"result"}),
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomstate_writes_total",
			Help: "Scope writes by result",
		}, []string{"result"}),
		writeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomstate_write_duration_seconds",
			Help:    "Write latency including persistence",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

func (m *Metrics) observeRead(err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeWrite(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(resultLabel(err)).Inc()
	m.writeDuration.Observe(elapsed.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRevisionConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
