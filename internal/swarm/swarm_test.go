package swarm

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prxssh/hive/internal/config"
	"github.com/prxssh/hive/internal/protocol"
	"github.com/prxssh/hive/internal/wire"
)

const testHashHex = "d2474e86c95b19b8bcfdb92bc12c9d44667cfa36"

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPeerID(t *testing.T) [20]byte {
	t.Helper()

	id, err := NewPeerID("-WW0001-")
	if err != nil {
		t.Fatalf("NewPeerID error: %v", err)
	}
	return id
}

func testInfoHash(t *testing.T, seed string) [20]byte {
	t.Helper()

	h, err := ParseInfoHash(fmt.Sprintf("%-20.20s", seed))
	if err != nil {
		t.Fatalf("ParseInfoHash error: %v", err)
	}
	return h
}

func newTestSwarm(t *testing.T, seed string, reg *Registry, ev Events) *Swarm {
	t.Helper()

	s := New(testInfoHash(t, seed), testPeerID(t), &Options{
		Events:   ev,
		Registry: reg,
	})
	t.Cleanup(s.Destroy)

	return s
}

// listenPort spins up the swarm's listener on an OS-assigned port and
// returns the bound port.
func listenPort(t *testing.T, s *Swarm) int {
	t.Helper()

	portCh := make(chan int, 1)
	s.Listen(0, func(port int) { portCh <- port })

	select {
	case port := <-portCh:
		return port
	case <-time.After(3 * time.Second):
		t.Fatal("listening event never fired")
		return 0
	}
}

// fakePeerServer accepts raw TCP connections without ever handshaking,
// holding each swarm peer in the connected-but-not-handshaken state.
type fakePeerServer struct {
	t   *testing.T
	lns []net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newFakePeerServer(t *testing.T, n int) *fakePeerServer {
	t.Helper()

	f := &fakePeerServer{t: t}
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen error: %v", err)
		}
		f.lns = append(f.lns, ln)

		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				f.mu.Lock()
				f.conns = append(f.conns, conn)
				f.mu.Unlock()
			}
		}()
	}
	t.Cleanup(f.close)

	return f
}

func (f *fakePeerServer) addrs() []string {
	out := make([]string, 0, len(f.lns))
	for _, ln := range f.lns {
		out = append(out, ln.Addr().String())
	}
	return out
}

func (f *fakePeerServer) closeOne() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		f.t.Fatal("no accepted connection to close")
	}
	_ = f.conns[0].Close()
	f.conns = f.conns[1:]
}

func (f *fakePeerServer) close() {
	for _, ln := range f.lns {
		_ = ln.Close()
	}
	f.mu.Lock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
	f.mu.Unlock()
}

func swapConfig(t *testing.T, mut func(*config.Config)) {
	t.Helper()

	old := *config.Load()
	config.Update(mut)
	t.Cleanup(func() { config.Swap(old) })
}

func TestSwarm_ConstructionInvariants(t *testing.T) {
	infoHash, err := ParseInfoHash(testHashHex)
	if err != nil {
		t.Fatalf("ParseInfoHash error: %v", err)
	}

	var suffix [12]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		t.Fatalf("rand error: %v", err)
	}
	peerID, err := ParsePeerID("-WW0001-" + string(suffix[:]))
	if err != nil {
		t.Fatalf("ParsePeerID error: %v", err)
	}

	s := New(infoHash, peerID, &Options{Registry: NewRegistry()})
	defer s.Destroy()

	if s.InfoHash() != infoHash {
		t.Fatalf("InfoHash = %x, want %x", s.InfoHash(), infoHash)
	}
	if s.PeerID() != peerID {
		t.Fatalf("PeerID = %q, want %q", s.PeerID(), peerID)
	}
	if s.Downloaded() != 0 || s.Uploaded() != 0 {
		t.Fatal("fresh swarm has non-zero byte counters")
	}
	if len(s.Wires()) != 0 {
		t.Fatal("fresh swarm has wires")
	}
	if s.Port() != 0 {
		t.Fatalf("Port = %d, want 0 before Listen", s.Port())
	}
}

func TestSwarm_ListenEmitsListening(t *testing.T) {
	reg := NewRegistry()

	var gotPort atomic.Int64
	s := newTestSwarm(t, "listen", reg, Events{
		OnListening: func(port int) { gotPort.Store(int64(port)) },
	})

	port := listenPort(t, s)
	if port == 0 {
		t.Fatal("bound port is 0")
	}

	waitUntil(t, 2*time.Second, "OnListening", func() bool {
		return gotPort.Load() == int64(port)
	})
	if s.Port() != port {
		t.Fatalf("Port = %d, want %d", s.Port(), port)
	}
}

// wirePair joins two swarms over loopback and returns both ends' wires.
func wirePair(t *testing.T) (a, b *Swarm, aw, bw *wire.Wire) {
	t.Helper()

	aWires := make(chan *wire.Wire, 1)
	bWires := make(chan *wire.Wire, 1)

	a = newTestSwarm(t, "roundtrip", NewRegistry(), Events{
		OnWire: func(w *wire.Wire) { aWires <- w },
	})
	b = New(a.InfoHash(), testPeerID(t), &Options{
		Events:   Events{OnWire: func(w *wire.Wire) { bWires <- w }},
		Registry: NewRegistry(),
	})
	t.Cleanup(b.Destroy)

	port := listenPort(t, a)
	b.Add(fmt.Sprintf("127.0.0.1:%d", port))

	select {
	case aw = <-aWires:
	case <-time.After(3 * time.Second):
		t.Fatal("listener side never produced a wire")
	}
	select {
	case bw = <-bWires:
	case <-time.After(3 * time.Second):
		t.Fatal("dialer side never produced a wire")
	}

	return a, b, aw, bw
}

func TestSwarm_OutboundDialRoundTrip(t *testing.T) {
	a, b, _, bw := wirePair(t)

	if n := len(a.Wires()); n != 1 {
		t.Fatalf("listener wires = %d, want 1", n)
	}
	if n := len(b.Wires()); n != 1 {
		t.Fatalf("dialer wires = %d, want 1", n)
	}

	// Closing one side tears down the other.
	bw.Close()

	waitUntil(t, 3*time.Second, "wire teardown", func() bool {
		return len(a.Wires()) == 0 && len(b.Wires()) == 0
	})
	waitUntil(t, 3*time.Second, "conn teardown", func() bool {
		return a.NumConns() == 0 && b.NumConns() == 0
	})
}

func TestSwarm_ByteAccounting(t *testing.T) {
	a, b, _, bw := wirePair(t)

	const blockLen = 4096
	if !bw.Send(pieceMessage(blockLen)) {
		t.Fatal("send failed on live wire")
	}

	waitUntil(t, 3*time.Second, "download accounting", func() bool {
		return a.Downloaded() == blockLen
	})
	waitUntil(t, 3*time.Second, "upload accounting", func() bool {
		return b.Uploaded() == blockLen
	})

	// Counters are monotonic: a second block only adds.
	if !bw.Send(pieceMessage(blockLen)) {
		t.Fatal("send failed on live wire")
	}
	waitUntil(t, 3*time.Second, "second download", func() bool {
		return a.Downloaded() == 2*blockLen
	})
}

func TestSwarm_ConnectionCap(t *testing.T) {
	swapConfig(t, func(c *config.Config) {
		c.MaxSwarmSize = 5
		c.HandshakeTimeout = 30 * time.Second
	})

	srv := newFakePeerServer(t, 8)
	s := newTestSwarm(t, "cap", NewRegistry(), Events{})

	for _, addr := range srv.addrs() {
		s.Add(addr)
	}

	waitUntil(t, 3*time.Second, "cap reached", func() bool {
		return s.NumConns() == 5 && s.NumQueued() == 3
	})

	// The ceiling holds.
	time.Sleep(100 * time.Millisecond)
	if n := s.NumConns(); n != 5 {
		t.Fatalf("NumConns = %d, want 5", n)
	}

	// Freeing one slot admits exactly one queued peer.
	srv.closeOne()
	waitUntil(t, 3*time.Second, "slot reuse", func() bool {
		return s.NumConns() == 5 && s.NumQueued() == 2
	})
}

func TestSwarm_PauseSuppressesOutbound(t *testing.T) {
	swapConfig(t, func(c *config.Config) {
		c.HandshakeTimeout = 30 * time.Second
	})

	srv := newFakePeerServer(t, 3)
	s := newTestSwarm(t, "pause", NewRegistry(), Events{})

	s.Pause()
	for _, addr := range srv.addrs() {
		s.Add(addr)
	}

	time.Sleep(150 * time.Millisecond)
	if n := s.NumConns(); n != 0 {
		t.Fatalf("NumConns = %d while paused, want 0", n)
	}
	if n := s.NumQueued(); n != 3 {
		t.Fatalf("NumQueued = %d, want 3", n)
	}

	s.Resume()
	waitUntil(t, 3*time.Second, "resume dials", func() bool {
		return s.NumConns() == 3 && s.NumQueued() == 0
	})
}

func TestSwarm_PauseDoesNotBlockInbound(t *testing.T) {
	aWires := make(chan *wire.Wire, 1)

	a := newTestSwarm(t, "pausein", NewRegistry(), Events{
		OnWire: func(w *wire.Wire) { aWires <- w },
	})
	a.Pause()

	port := listenPort(t, a)

	b := New(a.InfoHash(), testPeerID(t), &Options{Registry: NewRegistry()})
	t.Cleanup(b.Destroy)
	b.Add(fmt.Sprintf("127.0.0.1:%d", port))

	select {
	case <-aWires:
	case <-time.After(3 * time.Second):
		t.Fatal("paused swarm rejected an inbound wire")
	}
}

func TestSwarm_DestroyFinality(t *testing.T) {
	a, b, _, _ := wirePair(t)

	var closes atomic.Int32
	// OnClose was not registered in wirePair; register a second swarm to
	// observe close counting precisely.
	c := New(testInfoHash(t, "destroy"), testPeerID(t), &Options{
		Events:   Events{OnClose: func() { closes.Add(1) }},
		Registry: NewRegistry(),
	})

	c.Destroy()
	c.Destroy() // idempotent

	waitUntil(t, 2*time.Second, "close event", func() bool {
		return closes.Load() == 1
	})
	time.Sleep(100 * time.Millisecond)
	if n := closes.Load(); n != 1 {
		t.Fatalf("OnClose fired %d times, want 1", n)
	}

	b.Destroy()
	waitUntil(t, 3*time.Second, "teardown on destroy", func() bool {
		return b.NumConns() == 0 && len(a.Wires()) == 0
	})

	// Mutations after destroy are no-ops.
	b.Add("127.0.0.1:1")
	if n := b.NumQueued(); n != 0 {
		t.Fatalf("Add after Destroy queued a peer (NumQueued = %d)", n)
	}
}

func TestSwarm_AddIsIdempotentPerAddress(t *testing.T) {
	s := newTestSwarm(t, "dupadd", NewRegistry(), Events{})
	s.Pause()

	s.Add("10.1.2.3:6881")
	s.Add("10.1.2.3:6881")

	if n := s.NumQueued(); n != 1 {
		t.Fatalf("NumQueued = %d after duplicate Add, want 1", n)
	}

	s.Remove("10.1.2.3:6881")
	if n := s.NumQueued(); n != 0 {
		t.Fatalf("NumQueued = %d after Remove, want 0", n)
	}

	// Removed addresses may be added again.
	s.Add("10.1.2.3:6881")
	if n := s.NumQueued(); n != 1 {
		t.Fatalf("NumQueued = %d after re-Add, want 1", n)
	}
}

func TestSwarm_QueueSubsetOfPeerTable(t *testing.T) {
	s := newTestSwarm(t, "subset", NewRegistry(), Events{})
	s.Pause()

	for i := 0; i < 5; i++ {
		s.Add(fmt.Sprintf("10.9.0.%d:6881", i+1))
	}

	stats := s.Stats()
	if stats.NumQueued+stats.NumConns > stats.NumPeers {
		t.Fatalf("invariant violated: queued %d + conns %d > peers %d",
			stats.NumQueued, stats.NumConns, stats.NumPeers)
	}
}

func pieceMessage(blockLen int) *protocol.Message {
	return protocol.MessagePiece(0, 0, make([]byte, blockLen))
}
