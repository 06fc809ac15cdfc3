// Package metrics records what a single metadata-query invocation did, so it
// can be written out in the node exporter textfile format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metadata_query"

// Endpoint labels.
const (
	EndpointToken    = "token"
	EndpointMetadata = "metadata"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
)

// Metrics holds the collectors for one invocation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	tokensIssued      prometheus.Counter
	tokensInvalidated prometheus.Counter
	leaves            prometheus.Gauge
	failures          prometheus.Gauge
	duration          *prometheus.GaugeVec
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "HTTP requests sent to the metadata service by endpoint and status code",
			},
			[]string{"endpoint", "code"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Requests retried after a transient failure",
			},
			[]string{"endpoint"},
		),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Session tokens issued by the metadata service",
		}),
		tokensInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "invalidated_total",
			Help:      "Session tokens discarded after the service rejected them",
		}),
		leaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "leaves",
			Help:      "Leaf values recovered by the last walk",
		}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "failures",
			Help:      "Paths that could not be retrieved during the last walk",
		}),
		duration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Wall time of the last operation",
			},
			[]string{"operation", "result"},
		),
	}
	m.registry.MustRegister(
		m.requests,
		m.retries,
		m.tokensIssued,
		m.tokensInvalidated,
		m.leaves,
		m.failures,
		m.duration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest counts one HTTP exchange. code 0 means no response was received.
func (m *Metrics) ObserveRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	m.requests.WithLabelValues(endpoint, label).Inc()
}

func (m *Metrics) IncRetry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) IncTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) IncTokenInvalidated() {
	if m == nil {
		return
	}
	m.tokensInvalidated.Inc()
}

// SetWalk records the outcome of a tree walk.
func (m *Metrics) SetWalk(leaves, failures int) {
	if m == nil {
		return
	}
	m.leaves.Set(float64(leaves))
	m.failures.Set(float64(failures))
}

func (m *Metrics) ObserveOperation(operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation, result).Set(d.Seconds())
}

// WriteTextfile atomically writes all metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
