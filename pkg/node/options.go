package node

import (
	"log/slog"
	"time"
)

// DefaultTickInterval is how often running streams are re-evaluated.
const DefaultTickInterval = 50 * time.Millisecond

type Option func(*options)

type options struct {
	interval  time.Duration
	logger    *slog.Logger
	factories []ServiceFactory
}

func defaultOptions() *options {
	return &options{
		interval: DefaultTickInterval,
		logger:   slog.Default(),
	}
}

// WithTickInterval sets how often running streams are re-evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithService adds a service to every node. Services sharing a name are
// tried in the order they were added.
func WithService(factory ServiceFactory) Option {
	return func(o *options) {
		o.factories = append(o.factories, factory)
	}
}
