// Package merkle provides the domain-separated hash primitives and the
// binary hash tree used to commit records to the ledger.
//
// Every digest is 32 bytes. Leaf and interior-node inputs are tagged with
// distinct prefix bytes (0x00 and 0x01) so a leaf hash can never collide
// with a node hash; without the tag an attacker could substitute a two-leaf
// subtree for a single leaf with the same root.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// HashSize is the byte length of every digest in the system.
const HashSize = 32

// Hash is a 32-byte digest. The zero value doubles as the reserved
// "no full text" sentinel, which is distinct from every tree root the
// builder can produce.
type Hash [HashSize]byte

// Zero is the reserved all-zero hash.
var Zero Hash

// IsZero reports whether h is the reserved all-zero hash.
func (h Hash) IsZero() bool { return h == Zero }

// Hex renders the hash in the wire format: "0x" followed by 64 lowercase
// hex digits.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler using the wire format, so
// hashes travel as hex strings in JSON.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHex parses the wire format produced by Hex. The 0x prefix is
// required.
func ParseHex(s string) (Hash, error) {
	var h Hash
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return h, fmt.Errorf("hash %q: missing 0x prefix", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash %q: got %d bytes, want %d", s, len(raw), len(h))
	}
	copy(h[:], raw)
	return h, nil
}

// Domain separation tags. Fixed constants: changing either invalidates
// every root ever committed.
const (
	tagLeaf = 0x00
	tagNode = 0x01
)

// Digest algorithm names accepted by NewHasher.
const (
	AlgoSHA256    = "sha256"
	AlgoKeccak256 = "keccak256"
	AlgoBLAKE3    = "blake3-256"
)

// Hasher computes tagged leaf and node hashes under one fixed 256-bit
// digest. A deployment picks its digest once; roots computed under
// different digests are never comparable.
type Hasher struct {
	algo string
	sum  func([]byte) [32]byte
}

// NewHasher returns a Hasher for the named digest. An empty name selects
// sha256.
func NewHasher(algo string) (Hasher, error) {
	switch algo {
	case "", AlgoSHA256:
		return Hasher{algo: AlgoSHA256, sum: sha256.Sum256}, nil
	case AlgoKeccak256:
		return Hasher{algo: AlgoKeccak256, sum: keccakSum256}, nil
	case AlgoBLAKE3:
		return Hasher{algo: AlgoBLAKE3, sum: blake3.Sum256}, nil
	default:
		return Hasher{}, fmt.Errorf("unknown digest algorithm %q", algo)
	}
}

// Algo returns the digest algorithm name the hasher was built with.
func (h Hasher) Algo() string { return h.algo }

// Leaf computes H(0x00 ‖ b).
func (h Hasher) Leaf(b []byte) Hash {
	buf := make([]byte, 1+len(b))
	buf[0] = tagLeaf
	copy(buf[1:], b)
	return h.sum(buf)
}

// Node computes H(0x01 ‖ left ‖ right).
func (h Hasher) Node(left, right Hash) Hash {
	var buf [1 + 2*HashSize]byte
	buf[0] = tagNode
	copy(buf[1:], left[:])
	copy(buf[1+HashSize:], right[:])
	return h.sum(buf[:])
}

func keccakSum256(b []byte) [32]byte {
	var out [32]byte
	d := sha3.NewLegacyKeccak256()
	d.Write(b)
	copy(out[:], d.Sum(nil))
	return out
}
