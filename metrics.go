package streambus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports bus events as Prometheus counters and a duration histogram.
type PrometheusObserver struct {
	events   *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusObserver registers the bus collectors on reg. A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "events_total",
			Help:      "Total number of bus lifecycle events.",
		}, []string{"type", "subject"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streambus",
			Name:      "errors_total",
			Help:      "Total number of bus lifecycle events carrying an error.",
		}, []string{"type", "subject"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streambus",
			Name:      "duration_seconds",
			Help:      "Latency distribution for publish and consume.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"type", "subject"}),
	}
}

func (o *PrometheusObserver) OnEvent(e Event) {
	typ := string(e.Type)
	o.events.WithLabelValues(typ, e.Subject).Inc()
	if e.Err != nil {
		o.errors.WithLabelValues(typ, e.Subject).Inc()
	}
	if e.Duration > 0 {
		o.duration.WithLabelValues(typ, e.Subject).Observe(e.Duration.Seconds())
	}
}
