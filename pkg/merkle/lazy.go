package merkle

import (
	"iter"
	"sync"

	"github.com/aegisid/identitree/pkg/hasher"
)

// LazyTree is a storage-optimized Merkle tree with structural sharing.
//
// A dense prefix subtree is kept in a flat breadth-first array while the
// layers above it are lazy, pointer-based structures, so even very deep
// trees fit in memory as long as only a small region is ever touched. The
// update API is immutable: it returns a new tree that shares as much
// structure as possible with the old one, which makes it cheap to keep many
// historical versions alive at once.
//
// LazyTree is the canonical handle: it may additionally mutate shared dense
// subtrees in place through UpdateWithMutation. Handles that must never
// mutate are represented by the separate DerivedTree type.
type LazyTree[H comparable] struct {
	lazyView[H]
}

// DerivedTree is a read-mostly handle onto a lazy tree version. It shares
// structure with the canonical tree and with other derived versions, and its
// updates are always non-destructive.
type DerivedTree[H comparable] struct {
	lazyView[H]
}

// NewLazyTree creates a fully lazy tree (no dense prefix) whose every leaf
// is the empty value.
func NewLazyTree[H comparable](h hasher.Hasher[H], depth int, empty H) *LazyTree[H] {
	table := hasher.EmptyColumn(h, depth, empty)
	return &LazyTree[H]{lazyView[H]{h: h, tree: &emptyTree[H]{depth: depth, table: table}}}
}

// NewLazyTreeWithDensePrefix creates a tree whose bottom prefixDepth layers
// are allocated as a dense subtree filled with empty-subtree hashes, wrapped
// in depth-prefixDepth sparse layers with empty right siblings.
func NewLazyTreeWithDensePrefix[H comparable](h hasher.Hasher[H], depth, prefixDepth int, empty H) *LazyTree[H] {
	if depth < prefixDepth {
		panic("merkle: dense prefix depth exceeds tree depth")
	}
	table := hasher.EmptyColumn(h, depth, empty)
	dense := &denseTree[H]{
		depth:    prefixDepth,
		rootSlot: 1,
		st:       &denseStorage[H]{slots: denseSlotsFromColumn(table, prefixDepth)},
	}
	return &LazyTree[H]{lazyView[H]{h: h, tree: wrapInSparse[H](h, dense, depth, prefixDepth, table)}}
}

// NewLazyTreeWithDensePrefixAndValues is NewLazyTreeWithDensePrefix with the
// dense subtree populated from the given leaves (padded with the empty
// value) and hashed bottom-up, in parallel per layer.
func NewLazyTreeWithDensePrefixAndValues[H comparable](h hasher.Hasher[H], depth, prefixDepth int, empty H, values []H) *LazyTree[H] {
	if depth < prefixDepth {
		panic("merkle: dense prefix depth exceeds tree depth")
	}
	table := hasher.EmptyColumn(h, depth, empty)
	dense := &denseTree[H]{
		depth:    prefixDepth,
		rootSlot: 1,
		st:       &denseStorage[H]{slots: denseSlotsFromValues(h, values, empty, prefixDepth)},
	}
	return &LazyTree[H]{lazyView[H]{h: h, tree: wrapInSparse[H](h, dense, depth, prefixDepth, table)}}
}

// Update sets the leaf at the given index, returning a new derived tree that
// shares all untouched structure with the receiver. Only the nodes along the
// traversed path are allocated; the receiver is unchanged.
func (t *LazyTree[H]) Update(index int, value H) *DerivedTree[H] {
	return &DerivedTree[H]{lazyView[H]{h: t.h, tree: t.tree.update(t.h, index, value, false)}}
}

// UpdateWithMutation sets the leaf at the given index, mutating any dense
// subtree on the path in place.
//
// Every other version that shares a mutated dense subtree observes the new
// value, so this must only be applied at the oldest retained version, or
// when the mutated index already holds the new value in every other retained
// version. Used that way it "flattens" a linear history into its base
// version without allocating dense storage.
func (t *LazyTree[H]) UpdateWithMutation(index int, value H) *LazyTree[H] {
	t.tree = t.tree.update(t.h, index, value, true)
	return t
}

// Derived returns a derived handle onto the current version of the tree.
func (t *LazyTree[H]) Derived() *DerivedTree[H] {
	return &DerivedTree[H]{lazyView[H]{h: t.h, tree: t.tree}}
}

// Update sets the leaf at the given index, returning a new derived tree.
// Derived trees never mutate shared structure.
func (t *DerivedTree[H]) Update(index int, value H) *DerivedTree[H] {
	return &DerivedTree[H]{lazyView[H]{h: t.h, tree: t.tree.update(t.h, index, value, false)}}
}

// lazyView carries the read-only surface shared by canonical and derived
// handles.
type lazyView[H comparable] struct {
	h    hasher.Hasher[H]
	tree anyTree[H]
}

// Depth returns the depth of the tree.
func (v *lazyView[H]) Depth() int { return v.tree.treeDepth() }

// Root returns the root of the tree.
func (v *lazyView[H]) Root() H { return v.tree.rootHash() }

// GetLeaf returns the value at the given leaf index.
func (v *lazyView[H]) GetLeaf(index int) H { return v.tree.leafAt(index) }

// Proof returns the inclusion proof for the given leaf index.
func (v *lazyView[H]) Proof(index int) InclusionProof[H] {
	if index >= 1<<v.tree.treeDepth() {
		panic("merkle: leaf index out of bounds")
	}
	path := make([]Branch[H], 0, v.tree.treeDepth())
	v.tree.writeProof(index, &path)
	// The descent records branches root to leaf; proofs are leaf to root.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return InclusionProof[H]{Branches: path}
}

// Verify reports whether the proof proves the given leaf value against the
// current root.
func (v *lazyView[H]) Verify(value H, proof InclusionProof[H]) bool {
	return proof.Root(v.h, value) == v.Root()
}

// Leaves returns an iterator over all 1<<depth leaf positions.
func (v *lazyView[H]) Leaves() iter.Seq[H] {
	return func(yield func(H) bool) {
		for i := 0; i < 1<<v.tree.treeDepth(); i++ {
			if !yield(v.tree.leafAt(i)) {
				return
			}
		}
	}
}

// wrapInSparse nests a subtree of depth prefixDepth inside sparse layers
// with empty right siblings up to the full tree depth.
func wrapInSparse[H comparable](h hasher.Hasher[H], tree anyTree[H], depth, prefixDepth int, table []H) anyTree[H] {
	for d := prefixDepth; d < depth; d++ {
		tree = newSparseNode(h, tree, &emptyTree[H]{depth: d, table: table})
	}
	return tree
}

// anyTree is the closed set of lazy tree node variants: empty, sparse,
// dense, and mmap-backed dense. Every operation dispatches on the variant.
type anyTree[H comparable] interface {
	treeDepth() int
	rootHash() H
	leafAt(index int) H
	writeProof(index int, path *[]Branch[H])
	update(h hasher.Hasher[H], index int, value H, mutate bool) anyTree[H]
}

// turnLeftAtDepth reports whether the path to the indexed leaf goes left at the
// layer with the given depth below it.
func turnLeftAtDepth(index, depth int) bool {
	return index&(1<<(depth-1)) == 0
}

// clearTurnAtDepth strips the direction bit consumed at the given depth.
func clearTurnAtDepth(index, depth int) int {
	return index &^ (1 << (depth - 1))
}

// emptyTree represents a perfect subtree whose every leaf is the empty
// value. It carries a shared table of empty-subtree roots indexed by height,
// so its root at any depth is a lookup.
type emptyTree[H comparable] struct {
	depth int
	table []H
}

func (t *emptyTree[H]) treeDepth() int { return t.depth }

func (t *emptyTree[H]) rootHash() H { return t.table[t.depth] }

func (t *emptyTree[H]) leafAt(int) H { return t.table[0] }

func (t *emptyTree[H]) writeProof(index int, path *[]Branch[H]) {
	for depth := t.depth; depth >= 1; depth-- {
		val := t.table[depth-1]
		if turnLeftAtDepth(index, depth) {
			*path = append(*path, Left(val))
		} else {
			*path = append(*path, Right(val))
		}
	}
}

func (t *emptyTree[H]) update(h hasher.Hasher[H], index int, value H, mutate bool) anyTree[H] {
	return t.allocSparse(h).update(h, index, value, mutate)
}

// allocSparse materializes the empty tree as a sparse node with two empty
// children of one less depth, sharing the root table.
func (t *emptyTree[H]) allocSparse(h hasher.Hasher[H]) *sparseTree[H] {
	if t.depth == 0 {
		return newSparseLeaf(t.rootHash())
	}
	child := &emptyTree[H]{depth: t.depth - 1, table: t.table}
	return newSparseNode(h, child, child)
}

// sparseTree is an internal node owning two shared child subtrees and the
// cached hash of their roots. A sparse node without children is a leaf.
type sparseTree[H comparable] struct {
	depth       int
	root        H
	left, right anyTree[H]
}

func newSparseNode[H comparable](h hasher.Hasher[H], left, right anyTree[H]) *sparseTree[H] {
	if left.treeDepth() != right.treeDepth() {
		panic("merkle: sparse node children must have equal depth")
	}
	return &sparseTree[H]{
		depth: left.treeDepth() + 1,
		root:  h.HashNode(left.rootHash(), right.rootHash()),
		left:  left,
		right: right,
	}
}

func newSparseLeaf[H comparable](value H) *sparseTree[H] {
	return &sparseTree[H]{depth: 0, root: value}
}

func (t *sparseTree[H]) treeDepth() int { return t.depth }

func (t *sparseTree[H]) rootHash() H { return t.root }

func (t *sparseTree[H]) leafAt(index int) H {
	if t.left == nil {
		return t.root
	}
	next := clearTurnAtDepth(index, t.depth)
	if turnLeftAtDepth(index, t.depth) {
		return t.left.leafAt(next)
	}
	return t.right.leafAt(next)
}

func (t *sparseTree[H]) writeProof(index int, path *[]Branch[H]) {
	if t.left == nil {
		return
	}
	next := clearTurnAtDepth(index, t.depth)
	if turnLeftAtDepth(index, t.depth) {
		*path = append(*path, Left(t.right.rootHash()))
		t.left.writeProof(next, path)
	} else {
		*path = append(*path, Right(t.left.rootHash()))
		t.right.writeProof(next, path)
	}
}

func (t *sparseTree[H]) update(h hasher.Hasher[H], index int, value H, mutate bool) anyTree[H] {
	if t.left == nil {
		return newSparseLeaf(value)
	}
	next := clearTurnAtDepth(index, t.depth)
	if turnLeftAtDepth(index, t.depth) {
		return newSparseNode(h, t.left.update(h, next, value, mutate), t.right)
	}
	return newSparseNode(h, t.left, t.right.update(h, next, value, mutate))
}

// denseStorage is the shared mutable array behind a dense subtree,
// protected by a single-writer lock. All readers of the same subtree
// serialize through it.
type denseStorage[H comparable] struct {
	mu    sync.Mutex
	slots []H
}

// denseTree is a classical breadth-first array subtree of 2^(depth+1)
// slots, shared by handle across tree versions. Slot 0 is unused padding;
// the subtree root sits at rootSlot.
type denseTree[H comparable] struct {
	depth    int
	rootSlot int
	st       *denseStorage[H]
}

func (t *denseTree[H]) treeDepth() int { return t.depth }

func (t *denseTree[H]) rootHash() H {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.slots[t.rootSlot]
}

func (t *denseTree[H]) leafAt(index int) H {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.slots[index+t.rootSlot<<t.depth]
}

func (t *denseTree[H]) ref() denseRef[H] {
	return denseRef[H]{
		depth:    t.depth,
		rootSlot: t.rootSlot,
		slots:    t.st.slots,
		clone: func(depth, rootSlot int) anyTree[H] {
			return &denseTree[H]{depth: depth, rootSlot: rootSlot, st: t.st}
		},
	}
}

func (t *denseTree[H]) writeProof(index int, path *[]Branch[H]) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	t.ref().writeProof(index, path)
}

func (t *denseTree[H]) update(h hasher.Hasher[H], index int, value H, mutate bool) anyTree[H] {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if mutate {
		denseUpdateInPlace(h, t.st.slots, t.depth, t.rootSlot, index, value)
		return t
	}
	return t.ref().update(h, index, value)
}

// denseUpdateInPlace writes the leaf and recomputes its ancestors within the
// dense array. The caller holds the storage lock.
func denseUpdateInPlace[H comparable](h hasher.Hasher[H], slots []H, depth, rootSlot, index int, value H) {
	leafSlot := index + rootSlot<<depth
	slots[leafSlot] = value
	for current := leafSlot / 2; current > 0; current /= 2 {
		slots[current] = h.HashNode(slots[2*current], slots[2*current+1])
	}
}

// denseRef is a borrowed view of a dense subtree used while its lock is
// held. clone rebuilds a node of the owning variant for an untouched half,
// still sharing the locked storage.
type denseRef[H comparable] struct {
	depth    int
	rootSlot int
	slots    []H
	clone    func(depth, rootSlot int) anyTree[H]
}

func (r denseRef[H]) root() H { return r.slots[r.rootSlot] }

func (r denseRef[H]) left() denseRef[H] {
	return denseRef[H]{depth: r.depth - 1, rootSlot: 2 * r.rootSlot, slots: r.slots, clone: r.clone}
}

func (r denseRef[H]) right() denseRef[H] {
	return denseRef[H]{depth: r.depth - 1, rootSlot: 2*r.rootSlot + 1, slots: r.slots, clone: r.clone}
}

func (r denseRef[H]) writeProof(index int, path *[]Branch[H]) {
	if r.depth == 0 {
		return
	}
	next := clearTurnAtDepth(index, r.depth)
	if turnLeftAtDepth(index, r.depth) {
		*path = append(*path, Left(r.right().root()))
		r.left().writeProof(next, path)
	} else {
		*path = append(*path, Right(r.left().root()))
		r.right().writeProof(next, path)
	}
}

// update produces a fresh sparse chain down to the updated leaf while the
// untouched half of each layer keeps pointing into the dense storage.
func (r denseRef[H]) update(h hasher.Hasher[H], index int, value H) *sparseTree[H] {
	if r.depth == 0 {
		return newSparseLeaf(value)
	}
	next := clearTurnAtDepth(index, r.depth)
	if turnLeftAtDepth(index, r.depth) {
		newLeft := r.left().update(h, next, value)
		right := r.right()
		return &sparseTree[H]{
			depth: r.depth,
			root:  h.HashNode(newLeft.rootHash(), right.root()),
			left:  newLeft,
			right: r.clone(right.depth, right.rootSlot),
		}
	}
	newRight := r.right().update(h, next, value)
	left := r.left()
	return &sparseTree[H]{
		depth: r.depth,
		root:  h.HashNode(left.root(), newRight.rootHash()),
		left:  r.clone(left.depth, left.rootSlot),
		right: newRight,
	}
}

// denseSlotsFromValues builds the breadth-first slot array of a dense
// subtree: leaves at [2^depth, 2^(depth+1)) from values padded with the
// empty value, interior layers hashed bottom-up in parallel.
func denseSlotsFromValues[H comparable](h hasher.Hasher[H], values []H, empty H, depth int) []H {
	leafCount := 1 << depth
	if len(values) > leafCount {
		panic("merkle: more initial values than dense subtree leaves")
	}
	slots := make([]H, 1<<(depth+1))
	for i := 0; i < leafCount; i++ {
		slots[i] = empty
	}
	copy(slots[leafCount:], values)
	for i := leafCount + len(values); i < len(slots); i++ {
		slots[i] = empty
	}

	for currentDepth := depth; currentDepth >= 1; currentDepth-- {
		parents := slots[1<<(currentDepth-1) : 1<<currentDepth]
		children := slots[1<<currentDepth:]
		hashLayerParallel(h, parents, children, len(parents))
	}
	return slots
}

// denseSlotsFromColumn builds the slot array of an all-empty dense subtree
// straight from the empty-subtree table, with no hashing.
func denseSlotsFromColumn[H comparable](table []H, depth int) []H {
	slots := make([]H, 1<<(depth+1))
	slots[0] = table[0]
	for height := 0; height <= depth; height++ {
		rowStart := 1 << (depth - height)
		rowEnd := rowStart << 1
		for i := rowStart; i < rowEnd; i++ {
			slots[i] = table[height]
		}
	}
	return slots
}
