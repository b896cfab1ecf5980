package merkle

import (
	"iter"

	"github.com/aegisid/identitree/pkg/hasher"
)

// IncrementalTree is a fixed-depth Merkle tree with every leaf and interior
// hash stored in a breadth-first array. It allocates all 2^(depth+1)-1 nodes
// up front, so it only suits shallow trees; the growable trees in this
// package are checked against it for semantic equivalence.
type IncrementalTree[H comparable] struct {
	h     hasher.Hasher[H]
	depth int
	empty []H
	nodes []H
}

// incParent returns the parent slot in the 0-based heap layout, or false for
// the root.
func incParent(index int) (int, bool) {
	if index == 0 {
		return 0, false
	}
	return (index - 1) / 2, true
}

// incLeftChild returns the first (left) child slot.
func incLeftChild(index int) int { return 2*index + 1 }

// NewIncrementalTree creates a tree of the given depth with every leaf set
// to the initial value.
func NewIncrementalTree[H comparable](h hasher.Hasher[H], depth int, initialLeaf H) *IncrementalTree[H] {
	empty := hasher.EmptyColumn(h, depth, initialLeaf)

	nodes := make([]H, 1<<(depth+1)-1)
	for height := depth; height >= 0; height-- {
		rowStart := 1<<(depth-height) - 1
		rowEnd := 1<<(depth-height+1) - 1
		for i := rowStart; i < rowEnd; i++ {
			nodes[i] = empty[height]
		}
	}

	return &IncrementalTree[H]{h: h, depth: depth, empty: empty, nodes: nodes}
}

// Depth returns the depth of the tree.
func (t *IncrementalTree[H]) Depth() int { return t.depth }

// NumLeaves returns the leaf capacity of the tree.
func (t *IncrementalTree[H]) NumLeaves() int { return 1 << t.depth }

// Root returns the root of the tree.
func (t *IncrementalTree[H]) Root() H { return t.nodes[0] }

// Set writes the leaf at the given index and updates each ancestor.
func (t *IncrementalTree[H]) Set(leaf int, value H) {
	t.SetRange(leaf, []H{value})
}

// SetRange writes a contiguous run of leaves starting at the given index,
// then updates every affected ancestor row in one bottom-up sweep. Panics if
// the run extends past the leaf row.
func (t *IncrementalTree[H]) SetRange(start int, values []H) {
	if len(values) == 0 {
		return
	}
	if start+len(values) > t.NumLeaves() {
		panic("merkle: leaf range out of bounds")
	}

	first := t.leafRow() + start
	copy(t.nodes[first:], values)
	t.updateNodes(first, first+len(values)-1)
}

// updateNodes recomputes the ancestors of the node range [start, end].
func (t *IncrementalTree[H]) updateNodes(start, end int) {
	pStart, ok := incParent(start)
	if !ok {
		return
	}
	pEnd, _ := incParent(end)
	for p := pStart; p <= pEnd; p++ {
		child := incLeftChild(p)
		t.nodes[p] = t.h.HashNode(t.nodes[child], t.nodes[child+1])
	}
	t.updateNodes(pStart, pEnd)
}

// GetLeaf returns the hash at the given leaf index.
func (t *IncrementalTree[H]) GetLeaf(leaf int) H {
	return t.nodes[t.leafRow()+leaf]
}

// Proof returns the inclusion proof for the given leaf, reading the sibling
// at each level on the walk up. Panics if the index is out of bounds.
func (t *IncrementalTree[H]) Proof(leaf int) InclusionProof[H] {
	if leaf >= t.NumLeaves() {
		panic("merkle: leaf index out of bounds")
	}
	index := t.leafRow() + leaf
	branches := make([]Branch[H], 0, t.depth)
	for {
		parent, ok := incParent(index)
		if !ok {
			break
		}
		if index%2 == 1 {
			branches = append(branches, Left(t.nodes[index+1]))
		} else {
			branches = append(branches, Right(t.nodes[index-1]))
		}
		index = parent
	}
	return InclusionProof[H]{Branches: branches}
}

// Verify reports whether the proof proves the given leaf value against the
// current root.
func (t *IncrementalTree[H]) Verify(value H, proof InclusionProof[H]) bool {
	return proof.Root(t.h, value) == t.Root()
}

// Leaves returns an iterator over the full leaf row.
func (t *IncrementalTree[H]) Leaves() iter.Seq[H] {
	return func(yield func(H) bool) {
		for _, leaf := range t.nodes[t.leafRow():] {
			if !yield(leaf) {
				return
			}
		}
	}
}

// leafRow returns the slot of leaf 0 in the node array.
func (t *IncrementalTree[H]) leafRow() int { return 1<<t.depth - 1 }
