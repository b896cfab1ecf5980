package hashers

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"

	"github.com/aegisid/identitree/pkg/field"
)

// Poseidon2 hashes nodes with the Poseidon2 permutation over the BN254
// scalar field. This is the production hasher of the identity commitment
// set: it is cheap inside arithmetic circuits, so inclusion proofs produced
// against its roots can be verified in zero knowledge.
//
// Digests are interpreted as canonical big-endian field elements; inputs
// are reduced into the field before hashing, matching the circuit side.
type Poseidon2 struct{}

// HashNode returns Poseidon2(left, right) as a canonical 32-byte digest.
func (Poseidon2) HashNode(left, right Digest) Digest {
	h := poseidon2.NewMerkleDamgardHasher()

	l := field.Canonical(left)
	r := field.Canonical(right)
	h.Write(l[:])
	h.Write(r[:])

	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
