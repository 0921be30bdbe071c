package swarm

import (
	"net"
	"time"

	"github.com/prxssh/hive/internal/wire"
)

// peer is the per-remote-address record a swarm keeps. For any address at
// most one record exists in a swarm at a time.
//
// A peer counts toward the connection ceiling while it holds a transport:
// either an in-flight outbound dial or an established connection, handshaken
// or not. Queue membership alone does not count.
type peer struct {
	// addr is the remote "host:port".
	addr string

	// dialing marks an outbound connect in flight. The dial goroutine
	// owns the transition out of this state.
	dialing bool

	// conn is the live transport, nil otherwise.
	conn net.Conn

	// w is the adopted wire once the handshake completed in either
	// direction.
	w *wire.Wire

	// retryTimer is a pending reconnect, armed only when reconnection is
	// enabled in config.
	retryTimer *time.Timer

	// reconnectable marks peers we are allowed to redial: outbound peers
	// added by the caller, never inbound ones.
	reconnectable bool

	// retries indexes into the reconnect backoff schedule.
	retries int

	// queued is the dial-queue membership marker, maintained by dialQueue.
	queued bool
}

func (p *peer) hasTransport() bool { return p.dialing || p.conn != nil }
