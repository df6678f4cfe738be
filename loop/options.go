package loop

import "go.uber.org/zap"

// Option configures a Loop.
type Option func(*Loop)

// WithMultiplexer makes the loop use m instead of building one. The loop
// takes ownership of m and closes it in Close.
func WithMultiplexer(m Multiplexer) Option {
	return func(l *Loop) {
		l.mux = m
	}
}

// WithBackend selects the multiplexer implementation. Ignored when
// WithMultiplexer is also given.
func WithBackend(backend Backend) Option {
	return func(l *Loop) {
		l.backend = backend
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}
