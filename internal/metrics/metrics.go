// Package metrics exposes scheduler counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpulease"

var (
	// PoolUsageGPUs is the GPU usage observed by the last audit or lease.
	PoolUsageGPUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_usage_gpus",
		Help:      "GPU units held by enabled models.",
	})
	// PoolCapacityGPUs is the configured pool capacity.
	PoolCapacityGPUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_capacity_gpus",
		Help:      "GPU units available in the pool.",
	})
	// LeaseRequestsTotal counts lease requests by outcome.
	LeaseRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_requests_total",
		Help:      "One-time lease requests by outcome.",
	}, []string{"outcome"})
	// EvictionsTotal counts models disabled to make room for a lease.
	EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Models evicted from the pool.",
	})
	// BillingEventsTotal counts billing events by type and outcome.
	BillingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billing_events_total",
		Help:      "Billing events processed by type and outcome.",
	}, []string{"type", "outcome"})
	// AlertsTotal counts faults reported to the alert sink.
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Internal faults reported by source.",
	}, []string{"source"})
)

// Registry holds the scheduler collectors plus Go runtime collectors.
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PoolUsageGPUs,
		PoolCapacityGPUs,
		LeaseRequestsTotal,
		EvictionsTotal,
		BillingEventsTotal,
		AlertsTotal,
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
