package config

import "time"

// Config defines behavior and resource limits for the swarm manager.
type Config struct {
	// ========== Connections ==========

	// MaxSwarmSize is the connection ceiling per swarm. It counts peers
	// with a live transport: in-flight dials plus established connections,
	// regardless of handshake state. Queued addresses do not count.
	MaxSwarmSize int

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the time from transport attach until the
	// remote handshake has been read. Expiry tears the transport down.
	HandshakeTimeout time.Duration

	// KeepAlivePeriod enables TCP keepalive on dialed and accepted
	// transports to surface half-open wires. 0 disables it.
	KeepAlivePeriod time.Duration

	// ========== Listening ==========

	// ListenRetryAttempts is how many times a bind is attempted when the
	// address is already in use before the failure surfaces.
	ListenRetryAttempts int

	// ListenRetryDelay is the pause between bind attempts.
	ListenRetryDelay time.Duration

	// ========== Reconnect ==========

	// EnableReconnect activates redial-on-close for outbound peers using
	// ReconnectBackoff. Off by default; the schedule and the per-peer retry
	// counters exist either way, but the counters only advance while this
	// is on.
	EnableReconnect bool

	// ReconnectBackoff is the per-attempt delay schedule for redialing a
	// peer whose connection closed. The last entry repeats.
	ReconnectBackoff []time.Duration

	// =========== Rate limits ==========

	// MaxUploadRate limits per-wire upload speed in bytes/second.
	// 0 = unlimited.
	MaxUploadRate int64

	// MaxDownloadRate limits per-wire download speed in bytes/second.
	// 0 = unlimited.
	MaxDownloadRate int64

	// WireOutboundBacklog is the maximum messages a wire can buffer before
	// sends are dropped.
	WireOutboundBacklog int

	// ========== Miscellaneous ==========

	// MetricsEnabled records that the Prometheus metrics endpoint is being
	// served. The library does not read it; cmd/hive sets it when its
	// --metrics flag starts the endpoint.
	MetricsEnabled bool

	// MetricsBindAddr is the HTTP address for metrics (e.g., ":9090").
	MetricsBindAddr string
}

func defaultConfig() Config {
	return Config{
		MaxSwarmSize:        100,
		DialTimeout:         7 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		KeepAlivePeriod:     2 * time.Minute,
		ListenRetryAttempts: 5,
		ListenRetryDelay:    time.Second,
		EnableReconnect:     false,
		ReconnectBackoff: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			300 * time.Second,
			600 * time.Second,
		},
		MaxUploadRate:       0,
		MaxDownloadRate:     0,
		WireOutboundBacklog: 256,
		MetricsEnabled:      false,
		MetricsBindAddr:     ":9090",
	}
}
