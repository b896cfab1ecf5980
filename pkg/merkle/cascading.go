package merkle

import (
	"fmt"
	"iter"

	"github.com/aegisid/identitree/pkg/hasher"
	"github.com/aegisid/identitree/pkg/storage"
)

// CascadingTree is a dynamically growable Merkle tree over generic storage,
// optimized for append-heavy workloads.
//
// The backing array is 1-indexed and always a power of two in length; it
// doubles in place when an append runs out of room, so the tree never
// rebuilds existing hashes on growth. Slot 0 stores the number of inserted
// leaves, reinterpreted as a machine word, which is why construction panics
// for digest types narrower than a word.
//
// The tree is not safe for concurrent use; callers serialize access.
type CascadingTree[H comparable] struct {
	h            hasher.Hasher[H]
	depth        int
	root         H
	empty        H
	sparseColumn []H
	storage      storage.GenericStorage[H]
}

// NewCascadingTree creates and initializes an empty tree in the provided
// storage. Panics if depth is zero or the digest type cannot hold the leaf
// counter.
func NewCascadingTree[H comparable](h hasher.Hasher[H], st storage.GenericStorage[H], depth int, empty H) (*CascadingTree[H], error) {
	return NewCascadingTreeWithLeaves(h, st, depth, empty, nil)
}

// NewCascadingTreeWithLeaves creates a tree in the provided storage and
// populates it with the given leaves, building each spine subtree bottom-up
// with per-layer parallel hashing. Panics if depth is zero or the digest
// type cannot hold the leaf counter.
func NewCascadingTreeWithLeaves[H comparable](h hasher.Hasher[H], st storage.GenericStorage[H], depth int, empty H, leaves []H) (*CascadingTree[H], error) {
	if depth <= 0 {
		panic("merkle: tree depth must be greater than 0")
	}
	assertDigestFitsCounter[H]()

	sparseColumn := hasher.EmptyColumn(h, depth, empty)
	if err := populateWithLeaves(st, h, sparseColumn, empty, leaves); err != nil {
		return nil, err
	}

	tree := &CascadingTree[H]{
		h:            h,
		depth:        depth,
		root:         empty,
		empty:        empty,
		sparseColumn: sparseColumn,
		storage:      st,
	}
	tree.recomputeRoot()
	return tree, nil
}

// RestoreCascadingTree opens a previously initialized tree from storage and
// fully validates it: structural shape, every interior hash, and the empty
// tail past the last leaf.
func RestoreCascadingTree[H comparable](h hasher.Hasher[H], st storage.GenericStorage[H], depth int, empty H) (*CascadingTree[H], error) {
	tree, err := RestoreCascadingTreeUnchecked(h, st, depth, empty)
	if err != nil {
		return nil, err
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

// RestoreCascadingTreeUnchecked opens a previously initialized tree checking
// only the constant-time invariants and recomputing the cached root. Invalid
// storage results in unpredictable behavior; use RestoreCascadingTree unless
// the storage is trusted.
func RestoreCascadingTreeUnchecked[H comparable](h hasher.Hasher[H], st storage.GenericStorage[H], depth int, empty H) (*CascadingTree[H], error) {
	if depth <= 0 {
		return nil, fmt.Errorf("merkle: tree depth must be greater than 0")
	}
	assertDigestFitsCounter[H]()

	s := st.Slice()
	if err := validateStorageShape(s); err != nil {
		return nil, err
	}
	if len(s) > 1<<(depth+1) {
		return nil, fmt.Errorf("merkle: storage length %d exceeds 2^(depth+1) for depth %d", len(s), depth)
	}

	tree := &CascadingTree[H]{
		h:            h,
		depth:        depth,
		root:         empty,
		empty:        empty,
		sparseColumn: hasher.EmptyColumn(h, depth, empty),
		storage:      st,
	}
	tree.recomputeRoot()

	if n := tree.NumLeaves(); n > len(s)>>1 {
		return nil, fmt.Errorf("%w: %d leaves in %d slots", ErrTooManyLeaves, n, len(s))
	}
	return tree, nil
}

// Depth returns the depth of the tree.
func (t *CascadingTree[H]) Depth() int { return t.depth }

// Root returns the current root of the tree.
func (t *CascadingTree[H]) Root() H { return t.root }

// NumLeaves returns the total number of leaves inserted into the tree. This
// is not the leaf capacity; leaves manually set to the empty value still
// count.
func (t *CascadingTree[H]) NumLeaves() int {
	return loadNumLeaves(t.storage.Slice())
}

// SetLeaf overwrites the leaf at the given index and rehashes its path.
// Panics if the index is not less than NumLeaves.
func (t *CascadingTree[H]) SetLeaf(leaf int, value H) {
	if leaf >= t.NumLeaves() {
		panic("merkle: leaf index out of bounds")
	}
	s := t.storage.Slice()
	index := indexFromLeaf(leaf)
	s[index] = value
	propagateUp(t.h, s, index)
	t.recomputeRoot()
}

// Push appends a leaf, doubling the storage in place if it is full. The new
// right half is initialized as an empty subtree from the sparse column
// without any hashing.
func (t *CascadingTree[H]) Push(leaf H) error {
	index := indexFromLeaf(t.NumLeaves())
	storageLen := t.storage.Len()

	if index >= storageLen {
		empties := make([]H, storageLen)
		for i := range empties {
			empties[i] = t.empty
		}
		if err := t.storage.ExtendFromSlice(empties); err != nil {
			return fmt.Errorf("grow storage: %w", err)
		}
		s := t.storage.Slice()
		sparseFillSubtree(s[storageLen:storageLen<<1], t.sparseColumn)
	}

	s := t.storage.Slice()
	s[index] = leaf
	storeNumLeaves(s, t.NumLeaves()+1)
	propagateUp(t.h, s, index)
	t.recomputeRoot()
	return nil
}

// ExtendFromSlice appends the given leaves, resizing the storage at most
// once and rebuilding only the spine subtrees the new leaves touch. Subtrees
// filled from their base are hashed layer-by-layer in parallel; a partially
// filled first subtree takes the sequential extend path.
func (t *CascadingTree[H]) ExtendFromSlice(leaves []H) error {
	if len(leaves) == 0 {
		return nil
	}

	currentLeaves := t.NumLeaves()
	totalLeaves := currentLeaves + len(leaves)
	newLastLeafIndex := indexFromLeaf(totalLeaves - 1)

	if storageLen := t.storage.Len(); newLastLeafIndex >= storageLen {
		diff := nextPow2(newLastLeafIndex) - storageLen
		empties := make([]H, diff)
		for i := range empties {
			empties[i] = t.empty
		}
		if err := t.storage.ExtendFromSlice(empties); err != nil {
			return fmt.Errorf("grow storage: %w", err)
		}
	}

	s := t.storage.Slice()

	firstSubtreePower := ilog2(nextPow2(currentLeaves + 1))
	lastSubtreePower := ilog2(nextPow2(totalLeaves))

	remaining := leaves
	for power := firstSubtreePower; power <= lastSubtreePower; power++ {
		// The power-0 subtree is the single bottom-left leaf slot.
		if power == 0 {
			s[1] = remaining[0]
			remaining = remaining[1:]
			continue
		}
		parentIdx := 1 << power

		subtree := s[parentIdx : parentIdx<<1]
		width := len(subtree) >> 1

		// Only the first touched subtree can be partially filled.
		leafStart := 0
		if power == firstSubtreePower {
			leafStart = currentLeaves - nextPow2(currentLeaves+1)>>1
		}

		take := width - leafStart
		if take > len(remaining) {
			take = len(remaining)
		}
		leafSlice := remaining[:take]
		remaining = remaining[take:]

		var root H
		if leafStart == 0 {
			root = initSubtreeWithLeaves(t.h, subtree, t.sparseColumn, leafSlice)
		} else {
			root = extendSubtreeWithLeaves(t.h, subtree, leafStart, leafSlice)
		}

		siblingHash := s[1<<(power-1)]
		s[parentIdx] = t.h.HashNode(siblingHash, root)
	}

	storeNumLeaves(s, totalLeaves)
	t.recomputeRoot()
	return nil
}

// Proof returns the inclusion proof for the given leaf: sibling hashes up to
// the storage tip, then sparse-column left branches up to the tree depth.
// Panics if the index is not less than NumLeaves.
func (t *CascadingTree[H]) Proof(leaf int) InclusionProof[H] {
	if leaf >= t.NumLeaves() {
		panic("merkle: leaf index out of bounds")
	}
	s := t.storage.Slice()
	branches := make([]Branch[H], 0, t.depth)
	storageDepth := subtreeDepth(len(s))

	index := indexFromLeaf(leaf)
	for i := 0; i < storageDepth; i++ {
		sib, isLeft := siblingIndex(index)
		if isLeft {
			branches = append(branches, Left(s[sib]))
		} else {
			branches = append(branches, Right(s[sib]))
		}
		index = parentIndex(index)
	}

	for k := storageDepth; k < t.depth; k++ {
		branches = append(branches, Left(t.sparseColumn[k]))
	}
	return InclusionProof[H]{Branches: branches}
}

// ProofFromHash returns the proof for the first leaf holding the given hash,
// scanning occupied leaf slots right to left. This is a slow operation;
// Proof should be used when the index is known.
func (t *CascadingTree[H]) ProofFromHash(leaf H) (InclusionProof[H], bool) {
	index, ok := t.LeafIndexFromHash(leaf)
	if !ok {
		return InclusionProof[H]{}, false
	}
	return t.Proof(index), true
}

// LeafIndexFromHash scans spine subtrees of descending power for the given
// leaf hash, right to left, and returns its leaf index.
func (t *CascadingTree[H]) LeafIndexFromHash(hash H) (int, bool) {
	numLeaves := t.NumLeaves()
	if numLeaves == 0 {
		return 0, false
	}
	s := t.storage.Slice()

	end := indexFromLeaf(numLeaves-1) + 1
	prevPow := nextPow2(end) >> 1
	start := prevPow + prevPow>>1

	for {
		for i := end - 1; i >= start; i-- {
			if s[i] == hash {
				return leafFromIndex(i), true
			}
		}
		if start == 1 {
			return 0, false
		}
		start /= 2
		end = nextPow2(start + 1)
	}
}

// Verify reports whether the proof proves the given leaf value against the
// current root.
func (t *CascadingTree[H]) Verify(value H, proof InclusionProof[H]) bool {
	return proof.Root(t.h, value) == t.root
}

// GetNode returns the node hash at the given depth and offset. Nodes inside
// the populated storage are read directly; left-spine nodes above it are
// computed from the storage tip, and any other node lies in a fully sparse
// region and equals the empty-subtree hash at its height.
func (t *CascadingTree[H]) GetNode(depth, offset int) H {
	s := t.storage.Slice()
	height := t.depth - depth
	index := indexHeightOffset(height, offset)
	if index < len(s) {
		return s[index]
	}
	if offset == 0 {
		return t.computeFromStorageTip(depth)
	}
	return t.sparseColumn[height]
}

// GetLeaf returns the hash at the given leaf index, or the empty value for
// slots outside the populated storage.
func (t *CascadingTree[H]) GetLeaf(leaf int) H {
	s := t.storage.Slice()
	index := indexFromLeaf(leaf)
	if index < len(s) {
		return s[index]
	}
	return t.empty
}

// Leaves returns an iterator over every leaf slot of the populated storage,
// including slots that have not been pushed yet.
func (t *CascadingTree[H]) Leaves() iter.Seq[H] {
	return func(yield func(H) bool) {
		s := t.storage.Slice()
		it := newRowIter(len(s), 0)
		for {
			i, ok := it.Next()
			if !ok {
				return
			}
			if !yield(s[i]) {
				return
			}
		}
	}
}

// Validate checks the cached root against a recomputation and verifies every
// structural invariant of the storage.
func (t *CascadingTree[H]) Validate() error {
	if t.root != t.computeFromStorageTip(0) {
		return fmt.Errorf("%w: cached root does not match recomputed root", ErrHashMismatch)
	}
	return validateStorage(t.storage.Slice(), t.h, t.empty)
}

// recomputeRoot refreshes the cached root from the storage tip.
func (t *CascadingTree[H]) recomputeRoot() {
	t.root = t.computeFromStorageTip(0)
}

// computeFromStorageTip folds the storage tip with the sparse column up to
// the given depth, yielding the hash of the left-most branch at that depth.
func (t *CascadingTree[H]) computeFromStorageTip(depth int) H {
	s := t.storage.Slice()
	hash := s[len(s)>>1]
	for i := subtreeDepth(len(s)); i < t.depth-depth; i++ {
		hash = t.h.HashNode(hash, t.sparseColumn[i])
	}
	return hash
}
