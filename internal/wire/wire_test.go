package wire

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prxssh/hive/internal/protocol"
)

func testHandshake(seed string) *protocol.Handshake {
	var info, peer [20]byte
	copy(info[:], seed+"____________________")
	copy(peer[:], "-TT0001-____________")
	return protocol.NewHandshake(info, peer, protocol.Extensions{})
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWire_HandshakeDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := Attach(client, &Options{HandshakeTimeout: 100 * time.Millisecond})

	start := time.Now()
	if _, err := w.ReadHandshake(); err == nil {
		t.Fatal("expected deadline error, got handshake")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deadline took %v, want ~100ms", elapsed)
	}
}

func TestWire_HandshakeExchange(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		// Remote side: read ours, answer with its own.
		if _, err := protocol.ReadHandshake(server); err != nil {
			return
		}
		_ = protocol.WriteHandshake(server, testHandshake("remote"))
	}()

	w := Attach(client, &Options{HandshakeTimeout: 2 * time.Second})
	defer w.Close()

	if err := w.SendHandshake(testHandshake("local")); err != nil {
		t.Fatalf("SendHandshake error: %v", err)
	}

	remote, err := w.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake error: %v", err)
	}
	if !w.Handshaken() {
		t.Fatal("Handshaken() = false after successful exchange")
	}
	if got := w.Remote(); got.InfoHash != remote.InfoHash {
		t.Fatal("Remote() does not match the received handshake")
	}
}

func TestWire_DownloadAccounting(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	w := Attach(client, &Options{})
	defer w.Close()

	var hooked atomic.Int64
	w.OnCounters(func(n int64) { hooked.Add(n) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	block := make([]byte, 2048)
	go func() {
		_ = protocol.WriteMessage(server, protocol.MessagePiece(0, 0, block))
	}()

	waitUntil(t, 2*time.Second, func() bool {
		return w.Downloaded() == 2048 && hooked.Load() == 2048
	})
}

func TestWire_UploadAccounting(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	w := Attach(client, &Options{})
	defer w.Close()

	var hooked atomic.Int64
	w.OnCounters(nil, func(n int64) { hooked.Add(n) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	go func() {
		for {
			if _, err := protocol.ReadMessage(server); err != nil {
				return
			}
		}
	}()

	if !w.Send(protocol.MessagePiece(1, 0, make([]byte, 1024))) {
		t.Fatal("Send returned false on a live wire")
	}

	waitUntil(t, 2*time.Second, func() bool {
		return w.Uploaded() == 1024 && hooked.Load() == 1024
	})
}

func TestWire_RemoteCloseEndsRun(t *testing.T) {
	client, server := net.Pipe()

	w := Attach(client, &Options{})

	done := make(chan struct{})
	go func() {
		_ = w.Run(context.Background())
		close(done)
	}()

	_ = server.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after remote close")
	}
	if !w.Closed() {
		t.Fatal("wire not marked closed after Run returned")
	}
}

func TestWire_CloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	w := Attach(client, &Options{})

	for i := 0; i < 5; i++ {
		w.Close()
	}
	if !w.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if w.Send(protocol.MessageChoke()) {
		t.Fatal("Send succeeded on a closed wire")
	}
}
