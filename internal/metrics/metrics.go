// Package metrics exposes supervisor and download counters to Prometheus.
//
// Collectors live on a private registry so tests and multiple daemons in one
// process never collide on the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements supervisor.Observer and resolver.Recorder.
type Collector struct {
	registry *prometheus.Registry

	running      prometheus.Gauge
	starts       prometheus.Counter
	crashes      prometheus.Counter
	forceKills   prometheus.Counter
	consoleLines prometheus.Counter
	downloads    *prometheus.CounterVec
}

// New creates a Collector with its own registry.
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a Collector registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcadmin_server_running",
			Help: "Whether the server process is running (1) or not (0)",
		}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcadmin_server_starts_total",
			Help: "Server processes launched",
		}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcadmin_server_crashes_total",
			Help: "Server processes found exited without a stop request",
		}),
		forceKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcadmin_force_kills_total",
			Help: "Stops that escalated to SIGKILL",
		}),
		consoleLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcadmin_console_lines_total",
			Help: "Console lines captured from the server",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcadmin_download_attempts_total",
			Help: "Server jar download attempts by result",
		}, []string{"result"}),
	}
	reg.MustRegister(c.running, c.starts, c.crashes, c.forceKills, c.consoleLines, c.downloads)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ServerStarted() {
	c.starts.Inc()
	c.running.Set(1)
}

func (c *Collector) ServerStopped() {
	c.running.Set(0)
}

func (c *Collector) ServerCrashed(exitCode int) {
	c.crashes.Inc()
	c.running.Set(0)
}

func (c *Collector) ForceKilled() {
	c.forceKills.Inc()
}

func (c *Collector) ConsoleLine() {
	c.consoleLines.Inc()
}

// RecordDownload counts one download attempt.
func (c *Collector) RecordDownload(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.downloads.WithLabelValues(result).Inc()
}
