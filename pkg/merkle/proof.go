// Package merkle implements the Merkle tree engine of the identity
// commitment set: an append-optimized cascading tree over generic storage, an
// immutable structure-sharing lazy tree, and a fully allocated incremental
// tree used as the reference implementation. All three share the hasher
// contract and the inclusion proof format defined here.
package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"github.com/aegisid/identitree/pkg/hasher"
	"github.com/aegisid/identitree/pkg/storage"
)

// Branch is one element of a Merkle proof path. IsLeft reports that the
// traversed node was the left child, in which case Sibling is the right
// sibling hash; otherwise Sibling is the left sibling hash.
type Branch[H comparable] struct {
	Sibling H
	IsLeft  bool
}

// Left returns a branch recording that the left child was taken, with the
// right sibling hash attached.
func Left[H comparable](sibling H) Branch[H] {
	return Branch[H]{Sibling: sibling, IsLeft: true}
}

// Right returns a branch recording that the right child was taken, with the
// left sibling hash attached.
func Right[H comparable](sibling H) Branch[H] {
	return Branch[H]{Sibling: sibling, IsLeft: false}
}

// InclusionProof is a Merkle proof path ordered leaf to root. Its length
// equals the depth of the tree that produced it.
type InclusionProof[H comparable] struct {
	Branches []Branch[H]
}

// Root recomputes the root implied by the proof for the given leaf hash,
// folding the path upward and choosing the operand order from each branch.
func (p InclusionProof[H]) Root(h hasher.Hasher[H], leaf H) H {
	current := leaf
	for _, b := range p.Branches {
		if b.IsLeft {
			current = h.HashNode(current, b.Sibling)
		} else {
			current = h.HashNode(b.Sibling, current)
		}
	}
	return current
}

// LeafIndex reconstructs the zero-based leaf index from the branch
// directions, reading them root to leaf as binary digits.
func (p InclusionProof[H]) LeafIndex() int {
	index := 0
	for i := len(p.Branches) - 1; i >= 0; i-- {
		index <<= 1
		if !p.Branches[i].IsLeft {
			index |= 1
		}
	}
	return index
}

// Binary proof format:
//
//	uint32(depth)
//	ceil(depth/8) direction bytes, bit i set when branch i is a right turn
//	depth fixed-width sibling digests in raw memory layout

// MarshalBinary encodes the proof in the deterministic binary format.
func (p InclusionProof[H]) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer

	depth := len(p.Branches)
	if err := binary.Write(&buf, binary.BigEndian, uint32(depth)); err != nil {
		return nil, fmt.Errorf("write depth: %w", err)
	}

	directions := make([]byte, (depth+7)/8)
	for i, b := range p.Branches {
		if !b.IsLeft {
			directions[i/8] |= 1 << (i % 8)
		}
	}
	buf.Write(directions)

	elemSize := storage.PodSize[H]()
	for i := range p.Branches {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&p.Branches[i].Sibling)), elemSize)
		buf.Write(raw)
	}

	return buf.Bytes(), nil
}

// UnmarshalInclusionProof decodes a proof written by MarshalBinary.
func UnmarshalInclusionProof[H comparable](data []byte) (InclusionProof[H], error) {
	r := bytes.NewReader(data)

	var depth uint32
	if err := binary.Read(r, binary.BigEndian, &depth); err != nil {
		return InclusionProof[H]{}, fmt.Errorf("read depth: %w", err)
	}

	directions := make([]byte, (int(depth)+7)/8)
	if _, err := io.ReadFull(r, directions); err != nil {
		return InclusionProof[H]{}, fmt.Errorf("read directions: %w", err)
	}

	elemSize := storage.PodSize[H]()
	branches := make([]Branch[H], depth)
	raw := make([]byte, elemSize)
	for i := range branches {
		if _, err := io.ReadFull(r, raw); err != nil {
			return InclusionProof[H]{}, fmt.Errorf("read sibling %d: %w", i, err)
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&branches[i].Sibling)), elemSize), raw)
		branches[i].IsLeft = directions[i/8]&(1<<(i%8)) == 0
	}

	return InclusionProof[H]{Branches: branches}, nil
}
