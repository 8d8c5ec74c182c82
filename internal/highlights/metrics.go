package highlights

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSucceeded  = "succeeded"
	outcomeInProgress = "in_progress"
	outcomeFailed     = "failed"
)

// Metrics exports aggregation counters. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	rows     *prometheus.CounterVec
}

// NewMetrics registers the aggregation collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "aggregation",
			Name:      "runs_total",
			Help:      "Aggregation runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marginalia",
			Subsystem: "aggregation",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed aggregation runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marginalia",
			Subsystem: "aggregation",
			Name:      "rows_written_total",
			Help:      "Popular highlight rows written by kind.",
		}, []string{"kind"}),
	}
	for _, collector := range []prometheus.Collector{metrics.runs, metrics.duration, metrics.rows} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeRun(outcome string, elapsed time.Duration, result RunResult) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome != outcomeSucceeded {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	m.rows.WithLabelValues("inserted").Add(float64(result.Inserted))
	m.rows.WithLabelValues("updated").Add(float64(result.Updated))
	m.rows.WithLabelValues("deleted").Add(float64(result.Deleted))
}
