// Package wire adapts a raw transport into a framed peer-wire channel.
//
// A Wire owns nothing beyond the transport it wraps: it exchanges the
// handshake under a deadline, pumps length-prefixed messages in both
// directions, and reports transfer-payload byte counts to whoever attached
// it. All terminal conditions (remote close, read/write error, local Close)
// collapse into a single idempotent teardown observable via Done.
package wire

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/hive/internal/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Logger for wire-level events. Defaults to slog.Default.
	Logger *slog.Logger

	// HandshakeTimeout bounds the time from Attach until the remote
	// handshake has been read.
	HandshakeTimeout time.Duration

	// OutboundBacklog is the outbox capacity; sends beyond it are dropped.
	OutboundBacklog int

	// KeepAlivePeriod enables TCP keepalive on the transport. 0 disables.
	KeepAlivePeriod time.Duration

	// DownloadLimiter and UploadLimiter throttle payload bytes per wire.
	// Nil means unlimited.
	DownloadLimiter *rate.Limiter
	UploadLimiter   *rate.Limiter
}

// Wire is the framed, bidirectional channel on top of a transport once the
// handshake codec is attached.
type Wire struct {
	log  *slog.Logger
	conn net.Conn

	remoteAddr string

	hsTimeout time.Duration
	hsDone    atomic.Bool

	remoteMut sync.Mutex
	remote    protocol.Handshake

	downloaded atomic.Uint64
	uploaded   atomic.Uint64

	onDownload func(n int64)
	onUpload   func(n int64)

	dlLimiter *rate.Limiter
	ulLimiter *rate.Limiter

	inbox  chan *protocol.Message
	outbox chan *protocol.Message

	writeMut  sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Attach wraps conn with the protocol framer and arms the handshake
// deadline on the transport. Reads and writes fail once it expires unless
// ReadHandshake has succeeded first; closing the wire after such a failure
// is left to the caller.
func Attach(conn net.Conn, opts *Options) *Wire {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backlog := opts.OutboundBacklog
	if backlog <= 0 {
		backlog = 256
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if opts.KeepAlivePeriod > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(opts.KeepAlivePeriod)
		} else {
			_ = tc.SetKeepAlive(false)
		}
	}

	w := &Wire{
		log:        log.With("src", "wire", "addr", conn.RemoteAddr().String()),
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		hsTimeout:  opts.HandshakeTimeout,
		dlLimiter:  opts.DownloadLimiter,
		ulLimiter:  opts.UploadLimiter,
		inbox:      make(chan *protocol.Message, backlog),
		outbox:     make(chan *protocol.Message, backlog),
		done:       make(chan struct{}),
	}

	if w.hsTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(w.hsTimeout))
	}

	return w
}

// SendHandshake writes the local handshake. It must be called before Run.
func (w *Wire) SendHandshake(h *protocol.Handshake) error {
	w.writeMut.Lock()
	defer w.writeMut.Unlock()

	return protocol.WriteHandshake(w.conn, h)
}

// ReadHandshake blocks until the remote handshake arrives or the deadline
// armed at Attach expires. On success the deadline is cleared and the remote
// identity becomes available via Remote.
func (w *Wire) ReadHandshake() (protocol.Handshake, error) {
	h, err := protocol.ReadHandshake(w.conn)
	if err != nil {
		return protocol.Handshake{}, err
	}

	_ = w.conn.SetDeadline(time.Time{})
	w.hsDone.Store(true)

	w.remoteMut.Lock()
	w.remote = h
	w.remoteMut.Unlock()

	return h, nil
}

// OnCounters installs the download/upload byte hooks. Must be called before
// Run; either hook may be nil.
func (w *Wire) OnCounters(onDownload, onUpload func(n int64)) {
	w.onDownload = onDownload
	w.onUpload = onUpload
}

// Run pumps messages in both directions until the transport fails, the
// remote closes, or ctx is canceled. The wire is torn down before Run
// returns, regardless of the cause.
func (w *Wire) Run(ctx context.Context) error {
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			// Unblock any in-flight read or write.
			_ = w.conn.SetDeadline(time.Now())
		case <-w.done:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.readLoop(gctx) })
	g.Go(func() error { return w.writeLoop(gctx) })

	return g.Wait()
}

func (w *Wire) readLoop(ctx context.Context) error {
	for {
		message, err := protocol.ReadMessage(w.conn)
		if err != nil {
			return err
		}
		if protocol.IsKeepAlive(message) {
			continue
		}

		if n := message.PayloadBytes(); n > 0 {
			waitN(ctx, w.dlLimiter, n)
			w.downloaded.Add(uint64(n))
			if w.onDownload != nil {
				w.onDownload(int64(n))
			}
		}

		select {
		case w.inbox <- message:
		default:
			w.log.Debug("inbox full; dropping frame", "id", message.ID.String())
		}
	}
}

func (w *Wire) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-w.outbox:
			if !ok {
				return nil
			}

			n := message.PayloadBytes()
			if n > 0 {
				waitN(ctx, w.ulLimiter, n)
			}

			w.writeMut.Lock()
			err := protocol.WriteMessage(w.conn, message)
			w.writeMut.Unlock()
			if err != nil {
				return err
			}

			if n > 0 {
				w.uploaded.Add(uint64(n))
				if w.onUpload != nil {
					w.onUpload(int64(n))
				}
			}
		}
	}
}

// Send enqueues a message for delivery. It reports false if the wire is shut
// down or the outbox is full.
func (w *Wire) Send(m *protocol.Message) bool {
	select {
	case <-w.done:
		return false
	default:
	}

	select {
	case w.outbox <- m:
		return true
	default:
		return false
	}
}

// Inbox delivers received frames, keep-alives excluded.
func (w *Wire) Inbox() <-chan *protocol.Message { return w.inbox }

// Close tears the transport down. Safe to call any number of times, from any
// goroutine; only the first call acts.
func (w *Wire) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.Close()
		w.log.Debug("wire closed",
			"downloaded", w.downloaded.Load(),
			"uploaded", w.uploaded.Load(),
		)
	})
}

// Done is closed once the wire has been torn down.
func (w *Wire) Done() <-chan struct{} { return w.done }

// Closed reports whether teardown has happened.
func (w *Wire) Closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// RemoteAddr is the transport's remote "host:port", used purely for
// identification.
func (w *Wire) RemoteAddr() string { return w.remoteAddr }

// Remote returns the handshake received from the peer. The zero value is
// returned until ReadHandshake has succeeded.
func (w *Wire) Remote() protocol.Handshake {
	w.remoteMut.Lock()
	defer w.remoteMut.Unlock()

	return w.remote
}

// Handshaken reports whether the remote handshake has been read.
func (w *Wire) Handshaken() bool { return w.hsDone.Load() }

// Downloaded is the total payload bytes received on this wire.
func (w *Wire) Downloaded() uint64 { return w.downloaded.Load() }

// Uploaded is the total payload bytes sent on this wire.
func (w *Wire) Uploaded() uint64 { return w.uploaded.Load() }

// waitN blocks until the limiter admits n bytes, in burst-sized slices so
// frames larger than the burst still pass.
func waitN(ctx context.Context, lim *rate.Limiter, n int) {
	if lim == nil {
		return
	}

	for n > 0 {
		chunk := n
		if b := lim.Burst(); chunk > b {
			chunk = b
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return
		}
		n -= chunk
	}
}
