// Package metrics exports bridge activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-rpc/bridge"
)

const namespace = "mmate_rpc"

// Collector records call outcomes, latency, pending calls and dropped
// replies on the calling side and handled requests on the worker side. It
// implements bridge.Observer.
type Collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  prometheus.Gauge
	dropped  *prometheus.CounterVec
	limited  *prometheus.CounterVec
	requests *prometheus.CounterVec
	handling *prometheus.HistogramVec
}

var _ bridge.Observer = (*Collector)(nil)

// NewCollector creates a collector on its own registry, which also carries
// the Go runtime and process collectors
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls finished by target domain and outcome.",
		}, []string{"domain", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from publish to result.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"domain"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls awaiting replies.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_dropped_total",
			Help:      "Reply frames discarded by the listener.",
		}, []string{"reason"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rate_limited_total",
			Help:      "Gateway requests refused by the per-domain limiter.",
		}, []string{"domain"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_requests_total",
			Help:      "Requests handled by workers by domain, action and status code.",
		}, []string{"domain", "action", "status"}),
		handling: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_handling_seconds",
			Help:      "Time spent in worker action handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "action"}),
	}

	c.registry.MustRegister(
		c.calls,
		c.duration,
		c.pending,
		c.dropped,
		c.limited,
		c.requests,
		c.handling,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// CallFinished implements bridge.Observer
func (c *Collector) CallFinished(domain, outcome string, elapsed time.Duration) {
	c.calls.WithLabelValues(domain, outcome).Inc()
	c.duration.WithLabelValues(domain).Observe(elapsed.Seconds())
}

// PendingChanged implements bridge.Observer
func (c *Collector) PendingChanged(n int) {
	c.pending.Set(float64(n))
}

// ReplyDropped implements bridge.Observer
func (c *Collector) ReplyDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// RateLimited counts a request refused for domain
func (c *Collector) RateLimited(domain string) {
	c.limited.WithLabelValues(domain).Inc()
}

// RequestHandled records one worker request. It satisfies
// worker.MetricsCollector.
func (c *Collector) RequestHandled(domain, action string, statusCode int, elapsed time.Duration) {
	c.requests.WithLabelValues(domain, action, strconv.Itoa(statusCode)).Inc()
	c.handling.WithLabelValues(domain, action).Observe(elapsed.Seconds())
}

// Registry returns the registry the collectors are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
