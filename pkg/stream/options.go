package stream

import (
	"log/slog"

	"github.com/fgrzl/callstream/internal/metrics"
	"github.com/fgrzl/callstream/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorHandler receives failures raised while running callbacks: errors
// returned by callbacks, recovered panics and remote failures delivered to
// a started stream.
type ErrorHandler func(call *api.Call, err error)

type Option func(*Registry)

// WithLogger sets the logger used by the registry and its callback runner.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHandler replaces the default handler, which logs at error level.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(r *Registry) {
		r.onError = handler
	}
}

// WithMetrics registers the registry collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		r.metrics = metrics.NewStreams(reg)
	}
}
