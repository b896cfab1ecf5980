// Package field bridges the engine's fixed 32-byte digests and BN254 scalar
// field elements. Digests that feed the Poseidon2 hasher must be canonical
// field encodings so that the host-side tree and the circuit compute
// identical roots.
package field

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Canonical reduces a 32-byte big-endian digest into the BN254 scalar field
// and returns its canonical encoding. A zero digest encodes as 32 zero
// bytes, matching the circuit, rather than an empty byte string.
func Canonical(digest [32]byte) [32]byte {
	var elem fr.Element
	elem.SetBytes(digest[:])
	return elem.Bytes()
}

// FromBigInt returns the canonical digest encoding of a field element given
// as a big integer.
func FromBigInt(v *big.Int) [32]byte {
	var elem fr.Element
	elem.SetBigInt(v)
	return elem.Bytes()
}

// ToBigInt interprets a canonical digest as a field element and returns it
// as a big integer.
func ToBigInt(digest [32]byte) *big.Int {
	var elem fr.Element
	elem.SetBytes(digest[:])
	out := new(big.Int)
	elem.BigInt(out)
	return out
}

// FromBytes packs arbitrary bytes into a digest, reducing into the field.
// Inputs longer than a field element are rejected rather than truncated.
func FromBytes(data []byte) ([32]byte, error) {
	if len(data) > fr.Bytes {
		return [32]byte{}, fmt.Errorf("field: %d bytes exceed element size %d", len(data), fr.Bytes)
	}
	var elem fr.Element
	elem.SetBytes(data)
	return elem.Bytes(), nil
}
