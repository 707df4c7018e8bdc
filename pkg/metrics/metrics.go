package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"yawm/pkg/model"
	"yawm/pkg/store"
)

const namespace = "yawm"

// Result labels for request counters.
const (
	ResultOK          = "ok"
	ResultInvalid     = "invalid"
	ResultCapacity    = "capacity"
	ResultRateLimited = "rate_limited"
	ResultNotFound    = "not_found"
)

// Metrics owns the controller's prometheus registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	reg           *prometheus.Registry
	registrations *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	nodesEvicted  prometheus.Counter
	meshesEvicted prometheus.Counter
}

// New registers the collectors. stats is polled on every scrape.
func New(stats func() model.Stats) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Register calls by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_fetches_total",
			Help:      "Config and member fetches by result.",
		}, []string{"result"}),
		nodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_evicted_total",
			Help:      "Node records removed by expiry.",
		}),
		meshesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meshes_evicted_total",
			Help:      "Meshes removed by expiry.",
		}),
	}
	m.reg.MustRegister(
		m.registrations,
		m.fetches,
		m.nodesEvicted,
		m.meshesEvicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "meshes_live",
				Help:      "Meshes with at least one live node.",
			}, func() float64 { return float64(stats().Meshes) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_live",
				Help:      "Live node records across all meshes.",
			}, func() float64 { return float64(stats().Nodes) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "meshes_max",
				Help:      "Admission cap on live meshes.",
			}, func() float64 { return float64(stats().MaxMeshes) }),
		)
	}
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveRegister(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

// ObserveEviction is meant to be passed as store.Options.OnEvict.
func (m *Metrics) ObserveEviction(ev store.EvictEvent) {
	if m == nil {
		return
	}
	m.nodesEvicted.Add(float64(ev.Nodes))
	if ev.MeshRemoved {
		m.meshesEvicted.Inc()
	}
}
