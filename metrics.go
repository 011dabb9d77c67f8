package p2pnet

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-run counters in a private registry, so that
// successive experiments in one process do not collide
type Metrics struct {
	registry  *prometheus.Registry
	sinkBytes *prometheus.CounterVec
	linkDelay *prometheus.GaugeVec
	drops     *prometheus.CounterVec
}

// NewMetrics is a constructor
func NewMetrics() *Metrics {
	m := new(Metrics)
	m.registry = prometheus.NewRegistry()

	m.sinkBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p2pnet_sink_rx_bytes_total",
		Help: "Application bytes received at each sink.",
	}, []string{"sink"})

	m.linkDelay = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "p2pnet_link_delay_seconds",
		Help: "Current propagation delay of each point-to-point link.",
	}, []string{"link"})

	m.drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p2pnet_device_drops_total",
		Help: "Packets dropped at the tail of each device queue.",
	}, []string{"device"})

	m.registry.MustRegister(m.sinkBytes, m.linkDelay, m.drops)
	return m
}

// Registry exposes the underlying registry, e.g. for testutil
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) sinkCounter(tag string) prometheus.Counter {
	return m.sinkBytes.WithLabelValues(tag)
}

func (m *Metrics) observeLinkDelay(link string, delay time.Duration) {
	m.linkDelay.WithLabelValues(link).Set(delay.Seconds())
}

func (m *Metrics) countDrop(device string) {
	m.drops.WithLabelValues(device).Inc()
}

// WriteToFile writes the registry in the text exposition format
func (m *Metrics) WriteToFile(filename string) error {
	if err := prometheus.WriteToTextfile(filename, m.registry); err != nil {
		return errors.Wrapf(err, "writing metrics to %s", filename)
	}
	return nil
}
