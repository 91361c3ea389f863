package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch results used as the "result" label.
const (
	resultSuccess    = "success"
	resultTokenError = "token_error"
	resultAPIError   = "api_error"
	resultPanic      = "panic"
	resultDiscarded  = "discarded"
)

// Metrics instruments a Scheduler.
type Metrics struct {
	passes       prometheus.Counter
	coalesced    prometheus.Counter
	fetches      *prometheus.CounterVec
	passDuration prometheus.Histogram
	properties   prometheus.Gauge
}

// NewMetrics creates scheduler metrics and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	passes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "databar", Subsystem: "refresh", Name: "passes_total",
		Help: "Completed refresh passes.",
	})
	registerer.MustRegister(passes)

	coalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "databar", Subsystem: "refresh", Name: "coalesced_requests_total",
		Help: "Refresh requests folded into a pending pass.",
	})
	registerer.MustRegister(coalesced)

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "databar",
			Subsystem: "refresh",
			Name:      "fetches_total",
			Help:      "Per-property fetches by result.",
		},
		[]string{"result"},
	)
	registerer.MustRegister(fetches)

	passDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "databar", Subsystem: "refresh", Name: "pass_duration_seconds",
		Help:    "Wall time of a refresh pass.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	registerer.MustRegister(passDuration)

	properties := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "databar", Subsystem: "refresh", Name: "properties",
		Help: "Configured properties.",
	})
	registerer.MustRegister(properties)

	return &Metrics{
		passes:       passes,
		coalesced:    coalesced,
		fetches:      fetches,
		passDuration: passDuration,
		properties:   properties,
	}
}

func (m *Metrics) pass(seconds float64) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.passDuration.Observe(seconds)
}

func (m *Metrics) coalesce() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) fetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) setProperties(n int) {
	if m == nil {
		return
	}
	m.properties.Set(float64(n))
}
