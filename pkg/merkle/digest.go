// Package merkle implements the binary SHA-256 Merkle tree used to commit the
// audit ledger: the incremental accumulator, the full-tree reference build,
// inclusion-proof construction and the stateless verifier.
//
// The tree convention is "duplicate the odd tail": whenever a layer has an odd
// number of nodes its last node is hashed with itself. Interior nodes are
// SHA256(left ‖ right) over the raw 32-byte digests.
//
// Verify has no dependencies beyond this package and can run entirely on a
// client.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a digest.
const Size = sha256.Size

// Digest is a SHA-256 digest.
type Digest [Size]byte

// Zero is the root of an empty tree.
var Zero Digest

// String returns the lowercase hex encoding of d.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool { return d == Zero }

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("decode digest: want %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromBytes copies a 32-byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("digest: want %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashLeaf returns SHA256(data).
func HashLeaf(data []byte) Digest {
	return sha256.Sum256(data)
}

// HashPair returns SHA256(left ‖ right).
func HashPair(left, right Digest) Digest {
	var buf [2 * Size]byte
	copy(buf[:Size], left[:])
	copy(buf[Size:], right[:])
	return sha256.Sum256(buf[:])
}
