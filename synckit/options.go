package synckit

import (
	"time"

	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/store"
)

const (
	// DefaultPollInterval is the delay between the end of one pass and the
	// start of the next.
	DefaultPollInterval = 60 * time.Second

	// DefaultDrainBatch is how many outbox entries one drain pushes at most.
	DefaultDrainBatch = 100
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the engine.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithPollInterval sets the delay between passes. Non-positive values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval.Store(int64(d))
		}
	}
}

// WithPassTimeout bounds a whole polling pass. Zero leaves passes
// bounded only by the remote client's per-call timeout.
func WithPassTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.passTimeout = d
	}
}

// WithEndpoint sets the user and endpoint URL used to derive collection ids.
func WithEndpoint(user, endpoint string) Option {
	return func(e *Engine) {
		e.user = user
		e.endpoint = endpoint
	}
}

// WithEntityTypes restricts Discover to the given entity types.
func WithEntityTypes(types ...string) Option {
	return func(e *Engine) {
		e.allow = nil
		for _, t := range types {
			if t != "" {
				e.allow = append(e.allow, t)
			}
		}
	}
}

// WithOutbox sets the outbox drained by Run. By default the store is used
// when it implements store.Outbox.
func WithOutbox(o store.Outbox) Option {
	return func(e *Engine) {
		e.outbox = o
	}
}

// WithDrainBatch sets how many outbox entries are pushed per drain.
func WithDrainBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.drainBatch = n
		}
	}
}
