// Package swarm maintains a bounded population of live peer connections for
// one torrent: a FIFO queue of candidate addresses drained into outbound
// dials, a shared listener pool that routes inbound handshakes across swarms
// on the same port, and byte accounting on every established wire.
package swarm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/hive/internal/config"
	"github.com/prxssh/hive/internal/metrics"
	"github.com/prxssh/hive/internal/protocol"
	"github.com/prxssh/hive/internal/wire"
	"golang.org/x/time/rate"
)

// Events is the typed callback set a swarm reports through. Any field may be
// nil. Callbacks run on swarm-internal goroutines and must not block for
// long; OnListening, OnError, and OnClose are always delivered
// asynchronously from the call that caused them.
type Events struct {
	// OnWire fires every time a peer completes the handshake in either
	// direction, after the wire joined the active list.
	OnWire func(w *wire.Wire)

	// OnDownload and OnUpload forward per-chunk payload deltas, after the
	// swarm's cumulative counter was updated.
	OnDownload func(n int64)
	OnUpload   func(n int64)

	// OnListening fires when the pool's socket is bound, with the actual
	// bound port.
	OnListening func(port int)

	// OnError delivers *Error values: port collisions and listen failures.
	OnError func(err error)

	// OnClose fires exactly once, after Destroy.
	OnClose func()
}

type Options struct {
	// Extensions advertised in our handshake.
	Extensions protocol.Extensions

	// Events receives the swarm's callbacks.
	Events Events

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Registry defaults to DefaultRegistry. Tests inject their own.
	Registry *Registry
}

// Swarm manages our participation in one torrent's peer population.
type Swarm struct {
	log        *slog.Logger
	infoHash   [sha1.Size]byte
	peerID     [sha1.Size]byte
	extensions protocol.Extensions
	events     Events
	reg        *Registry

	ctx    context.Context
	cancel context.CancelFunc

	downloaded atomic.Uint64
	uploaded   atomic.Uint64

	mu        sync.Mutex
	peers     map[string]*peer
	queue     dialQueue
	wires     []*wire.Wire
	port      int
	poolPort  int // requested port; the registry keys our pool by it
	paused    bool
	destroyed bool
	listenCbs []func(port int)
}

// New constructs a swarm for the given info-hash and local peer id. Use
// ParseInfoHash/ParsePeerID to normalize textual forms.
func New(infoHash, peerID [sha1.Size]byte, opts *Options) *Swarm {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Swarm{
		log: log.With(
			"src", "swarm",
			"info_hash", hex.EncodeToString(infoHash[:]),
		),
		infoHash:   infoHash,
		peerID:     peerID,
		extensions: opts.Extensions,
		events:     opts.Events,
		reg:        reg,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]*peer),
	}
	metrics.Swarms.Inc()

	return s
}

// Add queues addr ("host:port") for an outbound connect. Known addresses and
// destroyed swarms are no-ops.
func (s *Swarm) Add(addr string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if _, known := s.peers[addr]; known {
		s.mu.Unlock()
		return
	}

	p := &peer{addr: addr, reconnectable: true}
	s.peers[addr] = p
	s.queue.push(p)
	metrics.QueuedPeers.Inc()
	s.mu.Unlock()

	s.drain()
}

// Remove forgets addr: it leaves the queue, any pending reconnect is
// canceled, and a live wire is torn down.
func (s *Swarm) Remove(addr string) {
	s.mu.Lock()
	p := s.peers[addr]
	if p == nil {
		s.mu.Unlock()
		return
	}
	s.removePeerLocked(p)
	s.mu.Unlock()

	s.drain()
}

// Pause suppresses future outbound dials. Existing connections, the
// listener, and inbound handshakes are unaffected.
func (s *Swarm) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume lifts Pause and drains the queue up to the ceiling.
func (s *Swarm) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.drain()
}

// Listen registers the swarm on the shared pool for port. Optional callbacks
// are invoked on the next listening event, alongside Events.OnListening.
// Port 0 binds an OS-assigned port, reported through the callbacks.
func (s *Swarm) Listen(port int, cb ...func(port int)) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.port = port
	s.poolPort = port
	s.listenCbs = append(s.listenCbs, cb...)
	reg := s.reg
	s.mu.Unlock()

	reg.attach(s, port)
}

// Destroy removes every peer, detaches from the pool, and reports OnClose on
// a later tick. Idempotent; all further mutations are no-ops.
func (s *Swarm) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true

	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	for _, p := range peers {
		s.removePeerLocked(p)
	}
	port := s.poolPort
	s.mu.Unlock()

	s.cancel()
	s.reg.detach(s, port)
	metrics.Swarms.Dec()
	s.log.Debug("destroyed")

	go func() {
		if cb := s.events.OnClose; cb != nil {
			cb()
		}
	}()
}

// InfoHash is the 20-byte torrent identifier.
func (s *Swarm) InfoHash() [sha1.Size]byte { return s.infoHash }

// PeerID is the local 20-byte peer identifier.
func (s *Swarm) PeerID() [sha1.Size]byte { return s.peerID }

// Port is the listen port: the bound port after the listening event, the
// requested one between Listen and the event, 0 before Listen.
func (s *Swarm) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.port
}

// Downloaded is the cumulative payload bytes received across all wires.
func (s *Swarm) Downloaded() uint64 { return s.downloaded.Load() }

// Uploaded is the cumulative payload bytes sent across all wires.
func (s *Swarm) Uploaded() uint64 { return s.uploaded.Load() }

// Wires snapshots the active (handshaken) wires in adoption order.
func (s *Swarm) Wires() []*wire.Wire {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*wire.Wire(nil), s.wires...)
}

// NumQueued is the number of peers awaiting an outbound dial.
func (s *Swarm) NumQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.len()
}

// NumConns counts peers holding a transport: in-flight dials plus
// established connections, regardless of handshake state.
func (s *Swarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.numConnsLocked()
}

// Stats is a point-in-time snapshot of the swarm.
type Stats struct {
	Port       int
	Downloaded uint64
	Uploaded   uint64
	NumWires   int
	NumConns   int
	NumQueued  int
	NumPeers   int
}

func (s *Swarm) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Port:       s.port,
		Downloaded: s.downloaded.Load(),
		Uploaded:   s.uploaded.Load(),
		NumWires:   len(s.wires),
		NumConns:   s.numConnsLocked(),
		NumQueued:  s.queue.len(),
		NumPeers:   len(s.peers),
	}
}

func (s *Swarm) numConnsLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.hasTransport() {
			n++
		}
	}
	return n
}

func (s *Swarm) infoHashHex() string { return hex.EncodeToString(s.infoHash[:]) }

// drain admits queued peers into dials while the ceiling and pause flag
// allow it. It runs after every state change that could admit a dial; a
// freed slot advances exactly one queued peer because the ceiling re-guards
// every iteration.
func (s *Swarm) drain() {
	cfg := config.Load()

	for {
		s.mu.Lock()
		if s.destroyed || s.paused || s.numConnsLocked() >= cfg.MaxSwarmSize {
			s.mu.Unlock()
			return
		}
		p := s.queue.pop()
		if p == nil {
			s.mu.Unlock()
			return
		}
		metrics.QueuedPeers.Dec()
		p.dialing = true
		metrics.Connections.Inc()
		s.mu.Unlock()

		go s.dial(p)
	}
}

func (s *Swarm) dial(p *peer) {
	cfg := config.Load()

	conn, err := net.DialTimeout("tcp", p.addr, cfg.DialTimeout)
	if err != nil {
		s.log.Debug("dial failed", "addr", p.addr, "error", err)
		s.mu.Lock()
		p.dialing = false
		metrics.Connections.Dec()
		s.maybeScheduleReconnectLocked(p)
		s.mu.Unlock()
		s.drain()
		return
	}

	s.mu.Lock()
	if s.destroyed || s.peers[p.addr] != p {
		p.dialing = false
		metrics.Connections.Dec()
		s.mu.Unlock()
		_ = conn.Close()
		s.drain()
		return
	}
	p.dialing = false
	p.conn = conn
	s.mu.Unlock()

	w := wire.Attach(conn, s.wireOptions())

	hs := protocol.NewHandshake(s.infoHash, s.peerID, s.extensions)
	if err := w.SendHandshake(hs); err != nil {
		s.failTransport(p, w)
		return
	}

	remote, err := w.ReadHandshake()
	if err != nil {
		s.log.Debug("outbound handshake failed", "addr", p.addr, "error", err)
		s.failTransport(p, w)
		return
	}
	if remote.InfoHash != s.infoHash {
		// The peer record stays in the table; Remove is the caller's
		// lever.
		s.log.Debug("info-hash mismatch", "addr", p.addr)
		s.failTransport(p, w)
		return
	}

	s.adoptWire(p, w)
}

// handleIncoming receives a handshaken-inbound transport from the pool. The
// peer is recorded under the transport's remote address, displacing any
// prior entry there; inbound peers are never enqueued.
func (s *Swarm) handleIncoming(conn net.Conn, w *wire.Wire) {
	addr := w.RemoteAddr()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		w.Close()
		return
	}
	if old := s.peers[addr]; old != nil {
		s.removePeerLocked(old)
	}
	p := &peer{addr: addr, conn: conn}
	s.peers[addr] = p
	metrics.Connections.Inc()
	s.mu.Unlock()

	hs := protocol.NewHandshake(s.infoHash, s.peerID, s.extensions)
	if err := w.SendHandshake(hs); err != nil {
		s.log.Debug("inbound handshake reply failed", "addr", addr, "error", err)
		s.failTransport(p, w)
		return
	}

	s.adoptWire(p, w)
}

// adoptWire publishes a handshaken wire: counters are hooked up, the wire
// joins the active list, OnWire fires, and a monitor goroutine owns the
// one-shot cleanup when the wire ends for any reason.
func (s *Swarm) adoptWire(p *peer, w *wire.Wire) {
	w.OnCounters(
		func(n int64) {
			s.downloaded.Add(uint64(n))
			metrics.DownloadedBytes.Add(float64(n))
			if cb := s.events.OnDownload; cb != nil {
				cb(n)
			}
		},
		func(n int64) {
			s.uploaded.Add(uint64(n))
			metrics.UploadedBytes.Add(float64(n))
			if cb := s.events.OnUpload; cb != nil {
				cb(n)
			}
		},
	)

	s.mu.Lock()
	if s.destroyed || s.peers[p.addr] != p {
		s.mu.Unlock()
		s.failTransport(p, w)
		return
	}
	p.w = w
	s.wires = append(s.wires, w)
	metrics.Wires.Inc()
	s.mu.Unlock()

	s.log.Debug("wire up", "addr", p.addr)
	if cb := s.events.OnWire; cb != nil {
		cb(w)
	}

	go func() {
		_ = w.Run(s.ctx)
		s.finishWire(p, w)
	}()
}

// finishWire is the cleanup for an adopted wire. It runs exactly once per
// wire: the single monitor goroutine calls it after Run returns, whichever
// terminal condition got there first.
func (s *Swarm) finishWire(p *peer, w *wire.Wire) {
	w.Close()

	s.mu.Lock()
	for i, other := range s.wires {
		if other == w {
			s.wires = append(s.wires[:i], s.wires[i+1:]...)
			metrics.Wires.Dec()
			break
		}
	}
	if p.w == w {
		p.w = nil
	}
	if p.conn != nil {
		p.conn = nil
		metrics.Connections.Dec()
	}
	s.maybeScheduleReconnectLocked(p)
	s.mu.Unlock()

	s.log.Debug("wire down", "addr", p.addr)
	s.drain()
}

// failTransport tears down a transport that never produced a wire
// (handshake timeout, write failure, info-hash mismatch). Recovered locally,
// never surfaced.
func (s *Swarm) failTransport(p *peer, w *wire.Wire) {
	w.Close()

	s.mu.Lock()
	if p.conn != nil {
		p.conn = nil
		metrics.Connections.Dec()
	}
	s.maybeScheduleReconnectLocked(p)
	s.mu.Unlock()

	s.drain()
}

// removePeerLocked detaches p from the queue, cancels any pending reconnect,
// closes its transport, and deletes the record. Transport accounting is left
// to the goroutine that owns the transport; closing here unblocks it.
func (s *Swarm) removePeerLocked(p *peer) {
	if p.queued {
		s.queue.remove(p)
		metrics.QueuedPeers.Dec()
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.reconnectable = false

	if p.w != nil {
		p.w.Close()
	} else if p.conn != nil {
		_ = p.conn.Close()
	}

	delete(s.peers, p.addr)
}

// maybeScheduleReconnectLocked arms a redial for a dropped outbound peer.
// Dormant unless EnableReconnect is set; the schedule's last entry repeats.
func (s *Swarm) maybeScheduleReconnectLocked(p *peer) {
	cfg := config.Load()

	if !cfg.EnableReconnect || s.destroyed || !p.reconnectable {
		return
	}
	if s.peers[p.addr] != p || p.retryTimer != nil {
		return
	}

	idx := p.retries
	if idx >= len(cfg.ReconnectBackoff) {
		idx = len(cfg.ReconnectBackoff) - 1
	}
	p.retries++

	p.retryTimer = time.AfterFunc(cfg.ReconnectBackoff[idx], func() {
		s.mu.Lock()
		p.retryTimer = nil
		if s.destroyed || s.peers[p.addr] != p || p.hasTransport() || p.queued {
			s.mu.Unlock()
			return
		}
		s.queue.push(p)
		metrics.QueuedPeers.Inc()
		s.mu.Unlock()

		s.drain()
	})
}

func (s *Swarm) wireOptions() *wire.Options {
	cfg := config.Load()

	opts := &wire.Options{
		Logger:           s.log,
		HandshakeTimeout: cfg.HandshakeTimeout,
		KeepAlivePeriod:  cfg.KeepAlivePeriod,
		OutboundBacklog:  cfg.WireOutboundBacklog,
	}
	if cfg.MaxDownloadRate > 0 {
		opts.DownloadLimiter = rate.NewLimiter(rate.Limit(cfg.MaxDownloadRate), limiterBurst(cfg.MaxDownloadRate))
	}
	if cfg.MaxUploadRate > 0 {
		opts.UploadLimiter = rate.NewLimiter(rate.Limit(cfg.MaxUploadRate), limiterBurst(cfg.MaxUploadRate))
	}

	return opts
}

// limiterBurst keeps the burst at least one typical block so a single frame
// always fits.
func limiterBurst(perSecond int64) int {
	const block = 32 << 10
	if perSecond < block {
		return block
	}
	return int(perSecond)
}

// notifyListening delivers the listening event: the bound port is recorded,
// pending Listen callbacks fire once, and Events.OnListening is invoked.
// Called by the pool on its own goroutine.
func (s *Swarm) notifyListening(port int) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.port = port
	cbs := s.listenCbs
	s.listenCbs = nil
	s.mu.Unlock()

	if cb := s.events.OnListening; cb != nil {
		cb(port)
	}
	for _, cb := range cbs {
		cb(port)
	}
}

// deliverError reports a surfaced error. Called asynchronously by the pool.
func (s *Swarm) deliverError(err *Error) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	s.log.Warn("swarm error", "kind", err.Kind.String(), "error", err)
	if cb := s.events.OnError; cb != nil {
		cb(err)
	}
}
