package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
)

// Extensions is the 8 reserved bytes of the handshake, used as feature flags.
//
// Bit numbering follows the BEP convention: byte 7 bit 0x01 advertises DHT,
// byte 5 bit 0x10 advertises the extension protocol.
type Extensions [reservedN]byte

func (e Extensions) DHT() bool      { return e[7]&0x01 != 0 }
func (e Extensions) Extended() bool { return e[5]&0x10 != 0 }

func (e *Extensions) SetDHT()      { e[7] |= 0x01 }
func (e *Extensions) SetExtended() { e[5] |= 0x10 }

// Handshake represents the initial BitTorrent wire handshake.
//
// Wire format (in bytes):
//
//	<pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
//
// The handshake is always the first message sent on a fresh connection. It
// identifies the torrent being exchanged (via info_hash) and the local peer,
// and advertises optional protocol extensions in the reserved bytes.
type Handshake struct {
	Pstr       string          // Protocol identifier, usually "BitTorrent protocol"
	Extensions Extensions      // Reserved feature-flag bytes.
	InfoHash   [sha1.Size]byte // SHA1 hash of the torrent's "info" dictionary.
	PeerID     [sha1.Size]byte // Unique 20-byte peer identifier.
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical BitTorrent handshake for the given torrent
// info hash, local peer ID, and extension flags.
func NewHandshake(infoHash, peerID [sha1.Size]byte, ext Extensions) *Handshake {
	return &Handshake{
		Pstr:       btProtocol,
		Extensions: ext,
		InfoHash:   infoHash,
		PeerID:     peerID,
	}
}

// MarshalBinary encodes the handshake into its wire representation.
//
// Returns ErrBadPstrlen if Pstr is empty or longer than 255 bytes.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	n := 1 + len(h.Pstr) + reservedN + sha1.Size + sha1.Size
	buf := make([]byte, n)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], h.Extensions[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
//
// It validates the protocol string length and ensures enough bytes are present
// for the reserved, info_hash, and peer_id fields.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 {
		return ErrBadPstrlen
	}
	const tail = reservedN + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	pstrEnd := 1 + pstrlen
	h.Pstr = string(b[1:pstrEnd])
	copy(h.Extensions[:], b[pstrEnd:pstrEnd+reservedN])
	copy(h.InfoHash[:], b[pstrEnd+reservedN:pstrEnd+reservedN+sha1.Size])
	copy(h.PeerID[:], b[pstrEnd+reservedN+sha1.Size:])

	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
//
// It reads and decodes a complete handshake from r, blocking until the full
// frame has arrived or an error occurs. The protocol identifier is verified.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}
	pstrlen := int(hdr[0])
	if pstrlen == 0 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 1, ErrShortHandshake
		}
		return 1, err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}
	if h.Pstr != btProtocol {
		return int64(1 + len(rest)), ErrProtocolMismatch
	}
	return int64(1 + len(rest)), nil
}

// ReadHandshake reads a full handshake from r and returns it.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h *Handshake) error {
	_, err := h.WriteTo(w)
	return err
}
