package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/phobologic/kernelgraph/internal/model"
)

// Metrics are the ingestion instruments. A nil *Metrics records nothing.
type Metrics struct {
	files    *prometheus.CounterVec
	facts    *prometheus.CounterVec
	warnings *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the ingestion instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		files: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelgraph_ingest_files_total",
			Help: "Translation units processed, by result",
		}, []string{"result"}),
		facts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelgraph_ingest_facts_total",
			Help: "Facts committed to the store, by kind",
		}, []string{"kind"}),
		warnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernelgraph_ingest_warnings_total",
			Help: "Ingestion warnings, by kind",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kernelgraph_ingest_file_duration_seconds",
			Help:    "Time to preprocess and extract one translation unit",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
	}
}

func (m *Metrics) observe(r FileResult, warnings []model.Warning) {
	if m == nil {
		return
	}
	m.duration.Observe(r.Duration.Seconds())
	for _, w := range warnings {
		m.warnings.WithLabelValues(string(w.Kind)).Inc()
	}
	if !r.OK {
		m.files.WithLabelValues("failed").Inc()
		return
	}
	m.files.WithLabelValues("ok").Inc()
	m.facts.WithLabelValues("function").Add(float64(r.Functions))
	m.facts.WithLabelValues("call").Add(float64(r.Calls))
	m.facts.WithLabelValues("variable").Add(float64(r.Variables))
	m.facts.WithLabelValues("flow").Add(float64(r.Flows))
}
