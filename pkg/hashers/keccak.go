// Package hashers provides the node-hash implementations consumed by the
// tree engine through the hasher contract: Poseidon2 over the BN254 scalar
// field for production trees and legacy Keccak-256 for Ethereum-compatible
// commitments and fixtures.
package hashers

import (
	"golang.org/x/crypto/sha3"
)

// Digest is the 32-byte node digest used by the production hashers.
type Digest = [32]byte

// Keccak256 hashes nodes with legacy (pre-NIST) Keccak-256 over the
// concatenation of the two child digests.
type Keccak256 struct{}

// HashNode returns Keccak-256(left || right).
func (Keccak256) HashNode(left, right Digest) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(left[:])
	h.Write(right[:])

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
