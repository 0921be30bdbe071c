package swarm

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// ParseInfoHash normalizes a torrent identifier: either 40 hex characters or
// 20 raw bytes.
func ParseInfoHash(s string) ([sha1.Size]byte, error) {
	var out [sha1.Size]byte

	switch len(s) {
	case sha1.Size * 2:
		b, err := hex.DecodeString(s)
		if err != nil {
			return out, fmt.Errorf("swarm: bad info-hash hex: %w", err)
		}
		copy(out[:], b)
		return out, nil

	case sha1.Size:
		copy(out[:], s)
		return out, nil

	default:
		return out, fmt.Errorf("swarm: info-hash must be %d bytes or %d hex chars, got %d",
			sha1.Size, sha1.Size*2, len(s))
	}
}

// ParsePeerID encodes a 20-character textual peer id as raw bytes.
func ParsePeerID(s string) ([sha1.Size]byte, error) {
	var out [sha1.Size]byte

	if len(s) != sha1.Size {
		return out, fmt.Errorf("swarm: peer-id must be %d bytes, got %d", sha1.Size, len(s))
	}
	copy(out[:], s)

	return out, nil
}

// NewPeerID returns a peer id with the given client prefix (e.g. "-HV0001-")
// followed by random bytes.
func NewPeerID(prefix string) ([sha1.Size]byte, error) {
	var out [sha1.Size]byte

	if len(prefix) >= sha1.Size {
		return out, fmt.Errorf("swarm: peer-id prefix too long: %d", len(prefix))
	}

	copy(out[:], prefix)
	if _, err := rand.Read(out[len(prefix):]); err != nil {
		return out, err
	}

	return out, nil
}
