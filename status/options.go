package status

import "time"

// Options configures the status server.
type Options struct {
	// CompressionEnabled gzips responses of at least CompressionThreshold
	// bytes when the client accepts it.
	CompressionEnabled bool

	// CompressionThreshold defaults to 1KB when compression is enabled.
	CompressionThreshold int

	// SyncTimeout bounds a pass triggered through POST /collections/{id}/sync.
	// If 0, the pass runs until the request is canceled.
	SyncTimeout time.Duration

	// ShutdownTimeout is how long ListenAndServe waits for in-flight
	// requests. If 0, defaults to 10 seconds.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns compression on with a 1KB threshold.
func DefaultOptions() Options {
	return Options{
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		ShutdownTimeout:      10 * time.Second,
	}
}

// Option is a function that configures Options.
type Option func(*Options)

// WithCompression enables or disables response compression
func WithCompression(enabled bool) Option {
	return func(o *Options) {
		o.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int) Option {
	return func(o *Options) {
		o.CompressionThreshold = size
	}
}

// WithSyncTimeout bounds passes triggered over HTTP.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.SyncTimeout = d
	}
}

// WithShutdownTimeout sets the maximum duration for graceful shutdown
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = d
	}
}

func applyOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.CompressionEnabled && o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 1024
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	return o
}
