// Package metrics exports fabric and viewer activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/viewer"
)

const namespace = "satmesh"

// Collector records publishes, consumed messages, broker connection state,
// live viewers and watched satellites. It satisfies messaging.MetricsCollector,
// viewer.HubMetrics and rabbitmq.ConnectionStateListener.
type Collector struct {
	registry *prometheus.Registry

	published        *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	consumed         *prometheus.CounterVec
	handleDuration   *prometheus.HistogramVec
	connectionUp     *prometheus.GaugeVec
	disconnects      *prometheus.CounterVec
	viewers          *prometheus.GaugeVec
	broadcastFailed  *prometheus.CounterVec
	watchedSatellite prometheus.Gauge
}

var _ messaging.MetricsCollector = (*Collector)(nil)
var _ rabbitmq.ConnectionStateListener = (*Collector)(nil)
var _ viewer.HubMetrics = (*Collector)(nil)

// New creates a collector on its own registry, with Go and process
// collectors included.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published by destination and result",
		}, []string{"destination", "result"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to publish a message, including the broker confirm",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Messages consumed by destination and outcome",
		}, []string{"destination", "outcome"}),
		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling a delivered message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		connectionUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the broker connection for a mode is open",
		}, []string{"mode"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Broker connections lost by mode",
		}, []string{"mode"}),
		viewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_active",
			Help:      "Live viewer connections by group",
		}, []string{"group"}),
		broadcastFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Viewer sends that failed during a broadcast",
		}, []string{"group"}),
		watchedSatellite: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_satellites",
			Help:      "Satellites with at least one live viewer",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordPublish(destination string, d time.Duration, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.published.WithLabelValues(destination, result).Inc()
	c.publishDuration.WithLabelValues(destination).Observe(d.Seconds())
}

func (c *Collector) RecordMessage(destination string, d time.Duration, outcome messaging.Outcome) {
	c.consumed.WithLabelValues(destination, string(outcome)).Inc()
	c.handleDuration.WithLabelValues(destination).Observe(d.Seconds())
}

func (c *Collector) OnConnected(mode rabbitmq.Mode) {
	c.connectionUp.WithLabelValues(mode.String()).Set(1)
}

func (c *Collector) OnDisconnected(mode rabbitmq.Mode, err error) {
	c.connectionUp.WithLabelValues(mode.String()).Set(0)
	c.disconnects.WithLabelValues(mode.String()).Inc()
}

func (c *Collector) ViewerConnected(group string) {
	c.viewers.WithLabelValues(groupLabel(group)).Inc()
}

func (c *Collector) ViewerDisconnected(group string) {
	c.viewers.WithLabelValues(groupLabel(group)).Dec()
}

func (c *Collector) BroadcastFailed(group string) {
	c.broadcastFailed.WithLabelValues(groupLabel(group)).Inc()
}

// WatchChanged tracks satellites gaining their first or losing their last
// viewer. It matches the viewer.OnWatchChange callback.
func (c *Collector) WatchChanged(entityID string, watched bool) {
	if watched {
		c.watchedSatellite.Inc()
		return
	}
	c.watchedSatellite.Dec()
}

func groupLabel(group string) string {
	if group == "" {
		return "untagged"
	}
	return group
}
