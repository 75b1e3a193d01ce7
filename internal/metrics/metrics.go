package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callstream"

// Streams holds the collectors maintained by a stream registry.
type Streams struct {
	Active         prometheus.Gauge
	Updates        prometheus.Counter
	Dropped        prometheus.Counter
	CallbackErrors prometheus.Counter
	StartFailures  prometheus.Counter
}

// NewStreams creates the registry collectors and registers them on reg.
// A nil reg leaves them unregistered. Registries sharing reg share the
// collectors, so the values are totals across registries.
func NewStreams(reg prometheus.Registerer) *Streams {
	m := &Streams{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_streams",
			Help:      "Number of remote streams with at least one subscriber.",
		}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "updates_total",
			Help:      "Updates delivered to active streams.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "dropped_updates_total",
			Help:      "Updates dropped because no active stream owned the id.",
		}),
		CallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callbacks",
			Name:      "errors_total",
			Help:      "Callback invocations that returned an error or panicked.",
		}),
		StartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "start_failures_total",
			Help:      "Stream starts rejected by the transport.",
		}),
	}
	if reg != nil {
		m.Active = register(reg, m.Active)
		m.Updates = register(reg, m.Updates)
		m.Dropped = register(reg, m.Dropped)
		m.CallbackErrors = register(reg, m.CallbackErrors)
		m.StartFailures = register(reg, m.StartFailures)
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}
