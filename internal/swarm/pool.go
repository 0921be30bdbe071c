package swarm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/prxssh/hive/internal/config"
	"github.com/prxssh/hive/internal/wire"
)

// Pool shares one listening TCP socket among the swarms registered on a
// port, identifying the target swarm from the info-hash inside each inbound
// peer's handshake.
//
// The pool owns accepted transports only until their handshake routes them
// to a swarm or the remote gives up; after handover the swarm is responsible
// for teardown.
type Pool struct {
	port int
	reg  *Registry
	log  *slog.Logger

	mu        sync.Mutex
	swarms    map[string]*Swarm // keyed by hex info-hash
	ln        net.Listener
	listening bool
	boundPort int
	closed    bool
	failErr   error
	conns     map[net.Conn]struct{}
}

func newPool(reg *Registry, port int) *Pool {
	return &Pool{
		port:   port,
		reg:    reg,
		log:    slog.Default().With("src", "pool", "port", port),
		swarms: make(map[string]*Swarm),
		conns:  make(map[net.Conn]struct{}),
	}
}

func (p *Pool) attach(s *Swarm) {
	key := s.infoHashHex()

	p.mu.Lock()
	if p.closed {
		err := p.failErr
		p.mu.Unlock()
		go s.deliverError(&Error{Kind: KindListenFailed, Port: p.port, Err: err})
		return
	}
	if _, dup := p.swarms[key]; dup {
		p.mu.Unlock()
		p.log.Warn("duplicate info-hash on port", "info_hash", key)
		go s.deliverError(&Error{Kind: KindPortCollision, Port: p.port})
		return
	}
	p.swarms[key] = s
	listening, port := p.listening, p.boundPort
	p.mu.Unlock()

	if listening {
		go s.notifyListening(port)
	}
}

func (p *Pool) detach(s *Swarm) {
	key := s.infoHashHex()

	p.mu.Lock()
	if p.swarms[key] != s {
		p.mu.Unlock()
		return
	}
	delete(p.swarms, key)
	empty := len(p.swarms) == 0
	p.mu.Unlock()

	if empty {
		p.teardown()
	}
}

// listen binds the socket, retrying while the address is in use, then runs
// the accept loop. Bind failure is fanned out to every attached swarm.
func (p *Pool) listen() {
	cfg := config.Load()

	var ln net.Listener
	op := func() error {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				return err
			}
			return backoff.Permanent(err)
		}
		ln = l
		return nil
	}

	bo := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(cfg.ListenRetryDelay),
		uint64(cfg.ListenRetryAttempts-1),
	)
	if err := backoff.Retry(op, bo); err != nil {
		p.fail(err)
		return
	}

	port := ln.Addr().(*net.TCPAddr).Port

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = ln.Close()
		return
	}
	p.ln = ln
	p.listening = true
	p.boundPort = port
	swarms := p.snapshotLocked()
	p.mu.Unlock()

	p.log.Info("listening", "bound_port", port)

	// Deliver listening before the first inbound wire can exist.
	for _, s := range swarms {
		s.notifyListening(port)
	}

	p.acceptLoop(ln)
}

func (p *Pool) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.mu.Unlock()

		go p.handleInbound(conn)
	}
}

// handleInbound reads the peer's handshake under the usual deadline and
// hands the transport to the owning swarm. Unknown info-hashes are dropped
// silently.
func (p *Pool) handleInbound(conn net.Conn) {
	cfg := config.Load()

	w := wire.Attach(conn, &wire.Options{
		Logger:           p.log,
		HandshakeTimeout: cfg.HandshakeTimeout,
		KeepAlivePeriod:  cfg.KeepAlivePeriod,
		OutboundBacklog:  cfg.WireOutboundBacklog,
	})

	hs, err := w.ReadHandshake()
	if err != nil {
		p.log.Debug("inbound handshake failed", "addr", w.RemoteAddr(), "error", err)
		w.Close()
		p.untrack(conn)
		return
	}

	key := hex.EncodeToString(hs.InfoHash[:])

	p.mu.Lock()
	s := p.swarms[key]
	p.mu.Unlock()

	if s == nil {
		p.log.Debug("no swarm for inbound info-hash", "info_hash", key)
		w.Close()
		p.untrack(conn)
		return
	}

	p.untrack(conn)
	s.handleIncoming(conn, w)
}

// fail delivers a listen failure to every attached swarm and tears the pool
// down.
func (p *Pool) fail(err error) {
	p.log.Error("listen failed", "error", err)

	p.mu.Lock()
	p.failErr = err
	swarms := p.snapshotLocked()
	p.mu.Unlock()

	for _, s := range swarms {
		e := &Error{Kind: KindListenFailed, Port: p.port, Err: err}
		go s.deliverError(e)
	}

	p.teardown()
}

func (p *Pool) teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.listening = false
	ln := p.ln
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	p.reg.remove(p.port, p)
}

func (p *Pool) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
}

func (p *Pool) snapshotLocked() []*Swarm {
	out := make([]*Swarm, 0, len(p.swarms))
	for _, s := range p.swarms {
		out = append(out, s)
	}
	return out
}

func (p *Pool) numSwarms() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.swarms)
}
