package devices

import (
	"time"

	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/metrics"
)

// WithCatalog sets the known-device table used by Scan
func WithCatalog(c *Catalog) func(*Registry) {
	return func(r *Registry) {
		r.catalog = c
	}
}

// WithDiscoverer sets the port discovery capability
func WithDiscoverer(d Discoverer) func(*Registry) {
	return func(r *Registry) {
		r.discoverer = d
	}
}

// WithOpener sets the transport opener
func WithOpener(o Opener) func(*Registry) {
	return func(r *Registry) {
		r.opener = o
	}
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) func(*Registry) {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics sets the counters the registry reports into
func WithMetrics(m *metrics.Counters) func(*Registry) {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClock sets the clock used for connection timestamps
func WithClock(c metrics.Clock) func(*Registry) {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithAutoConnect sets the source of the persisted auto-connect flag; it is
// consulted every time a device is lost.
func WithAutoConnect(fn func() bool) func(*Registry) {
	return func(r *Registry) {
		r.autoConnect = fn
	}
}

// WithOpenTimeout bounds Connect's transport open
func WithOpenTimeout(d time.Duration) func(*Registry) {
	return func(r *Registry) {
		r.openTimeout = d
	}
}

// WithReceiveTimeout sets the Receive timeout used when the caller passes none
func WithReceiveTimeout(d time.Duration) func(*Registry) {
	return func(r *Registry) {
		r.receiveTimeout = d
	}
}

// WithWatchdog sets the liveness poll interval and an optional random jitter
// added to each tick.
func WithWatchdog(interval, jitter time.Duration) func(*Registry) {
	return func(r *Registry) {
		r.watchdogInterval = interval
		r.watchdogJitter = jitter
	}
}

// WithReconnectDelay sets the delay before the single automatic reconnect
func WithReconnectDelay(d time.Duration) func(*Registry) {
	return func(r *Registry) {
		r.reconnectDelay = d
	}
}
