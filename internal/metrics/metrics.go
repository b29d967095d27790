// Package metrics exposes prometheus collectors for the poll tick, probe
// transport failures, and GDB bridge connection count, grounded on
// github.com/runZeroInc/sockstats's exporter.go pattern of a package-level
// registry plus small wrapper types around the prometheus client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector this repo exports, so cmd/rttbridge can
// register them all with a single call.
type Registry struct {
	TickDuration      prometheus.Histogram
	TransportFailures *prometheus.CounterVec
	GdbConnections    prometheus.Gauge
	RttBytesUp        prometheus.Counter
	RttBytesDown      prometheus.Counter
}

// NewRegistry constructs a Registry with unregistered collectors; call
// MustRegister to attach them to a prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rttbridge_poll_tick_duration_seconds",
			Help:    "Duration of a single Poll Scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		TransportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rttbridge_transport_failures_total",
			Help: "Total transport failures observed by the Poll Scheduler, by mode.",
		}, []string{"mode"}),
		GdbConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rttbridge_gdb_connections",
			Help: "Number of GDB RSP clients currently attached (0 or 1).",
		}),
		RttBytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rttbridge_rtt_up_bytes_total",
			Help: "Total bytes drained from the RTT up-channel.",
		}),
		RttBytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rttbridge_rtt_down_bytes_total",
			Help: "Total bytes written to the RTT down-channel.",
		}),
	}
}

// MustRegister attaches every collector in r to reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.TickDuration,
		r.TransportFailures,
		r.GdbConnections,
		r.RttBytesUp,
		r.RttBytesDown,
	)
}

// ObserveTick records how long a single scheduler tick took.
func (r *Registry) ObserveTick(d time.Duration) {
	r.TickDuration.Observe(d.Seconds())
}
