// Package metrics holds the prometheus collectors for the service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fellowship"

// Mutation outcomes recorded by ObserveMutation.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	Mutations       *prometheus.CounterVec
	PolicyDenials   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache reads served from a fresh entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache reads that went to the store.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries discarded after sitting unused past the GC window.",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "mutations_total",
			Help:      "Optimistic mutation attempts by outcome.",
		}, []string{"outcome"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "denials_total",
			Help:      "Actions refused by the access policy gate.",
		}, []string{"check"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheEvictions,
			m.Mutations, m.PolicyDenials, m.HTTPRequests, m.RequestDuration)
	}
	return m
}

func (m *Metrics) Hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) ObserveMutation(outcome string) {
	if m != nil {
		m.Mutations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Denied(check string) {
	if m != nil {
		m.PolicyDenials.WithLabelValues(check).Inc()
	}
}

func (m *Metrics) ObserveRequest(method string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusLabel(code)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
