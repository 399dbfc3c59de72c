package transport

import (
	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/metrics"
)

type options struct {
	log     *zap.Logger
	metrics *metrics.MAC
	seed    int64
	hasSeed bool
}

// Option customises a Coordinator or Node.
type Option func(*options)

// WithLogger routes MAC diagnostics to l.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records MAC activity in m.
func WithMetrics(m *metrics.MAC) Option {
	return func(o *options) { o.metrics = m }
}

// WithBackoffSeed overrides the association backoff seed, which otherwise
// derives from the node address.
func WithBackoffSeed(seed int64) Option {
	return func(o *options) { o.seed, o.hasSeed = seed, true }
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}
