// Package metrics exports portfan's upstream counters to Prometheus.
//
// These CounterVecs are an independent sink from the sliding-window
// ratecounter.Counter each upstream carries: Prometheus counters are
// cumulative-only, so they cannot answer "bytes in the last second" the
// way the load balancer needs to — they exist purely for external
// scraping via GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the CounterVecs fed by every upstream's counter updates.
type Registry struct {
	Bytes  *prometheus.CounterVec
	Opened *prometheus.CounterVec
	Closed *prometheus.CounterVec
	Failed *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewRegistry builds and registers the four per-upstream counter vectors,
// labeled by upstream endpoint.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfan",
			Name:      "upstream_bytes_total",
			Help:      "Bytes forwarded to or from an upstream.",
		}, []string{"upstream"}),
		Opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfan",
			Name:      "upstream_opened_total",
			Help:      "Half-tunnels opened against an upstream.",
		}, []string{"upstream"}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfan",
			Name:      "upstream_closed_total",
			Help:      "Half-tunnels closed against an upstream.",
		}, []string{"upstream"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfan",
			Name:      "upstream_failed_total",
			Help:      "Connect failures observed against an upstream.",
		}, []string{"upstream"}),
	}
	reg.MustRegister(r.Bytes, r.Opened, r.Closed, r.Failed)
	return r
}

// Gatherer exposes the underlying registry for the /metrics HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
