package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"strings"
	"testing"
)

func mustBytes20(s string) [sha1.Size]byte {
	var a [sha1.Size]byte
	copy(a[:], s)
	return a
}

func TestHandshake_MarshalUnmarshal_OK(t *testing.T) {
	info := mustBytes20("info_hash_1234567890")
	peer := mustBytes20("peer_id_1234567890_")

	var ext Extensions
	ext.SetDHT()
	ext.SetExtended()

	h := NewHandshake(info, peer, ext)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	// Validate layout: <pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
	if got, want := int(b[0]), len(btProtocol); got != want {
		t.Fatalf("pstrlen = %d, want %d", got, want)
	}
	if got, want := string(b[1:1+len(btProtocol)]), btProtocol; got != want {
		t.Fatalf("pstr = %q, want %q", got, want)
	}

	var got Handshake
	if err := (&got).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if got.Pstr != btProtocol {
		t.Fatalf("Pstr = %q, want %q", got.Pstr, btProtocol)
	}
	if got.InfoHash != info {
		t.Fatalf("InfoHash mismatch: got %x, want %x", got.InfoHash, info)
	}
	if got.PeerID != peer {
		t.Fatalf("PeerID mismatch: got %x, want %x", got.PeerID, peer)
	}
	if !got.Extensions.DHT() || !got.Extensions.Extended() {
		t.Fatalf("extension bits lost: %v", got.Extensions)
	}
}

func TestHandshake_RoundTripOverStream(t *testing.T) {
	info := mustBytes20("stream_info_hash____")
	peer := mustBytes20("stream_peer_id______")

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, NewHandshake(info, peer, Extensions{})); err != nil {
		t.Fatalf("WriteHandshake error: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake error: %v", err)
	}
	if got.InfoHash != info || got.PeerID != peer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshake_ReadErrors(t *testing.T) {
	info := mustBytes20("info________________")
	peer := mustBytes20("peer________________")

	full, err := NewHandshake(info, peer, Extensions{}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"empty", nil, io.EOF},
		{"zero pstrlen", []byte{0}, ErrBadPstrlen},
		{"truncated", full[:10], ErrShortHandshake},
		{"wrong protocol", wrongProtocolFrame(info, peer), ErrProtocolMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadHandshake(bytes.NewReader(tc.input))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func wrongProtocolFrame(info, peer [sha1.Size]byte) []byte {
	h := &Handshake{
		Pstr:     strings.Repeat("x", len(btProtocol)),
		InfoHash: info,
		PeerID:   peer,
	}
	b, _ := h.MarshalBinary()
	return b
}

func TestHandshake_BadPstrlen(t *testing.T) {
	h := &Handshake{Pstr: ""}
	if _, err := h.MarshalBinary(); !errors.Is(err, ErrBadPstrlen) {
		t.Fatalf("error = %v, want %v", err, ErrBadPstrlen)
	}
}
