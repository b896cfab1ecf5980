package merkle

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/aegisid/identitree/pkg/hasher"
	"github.com/aegisid/identitree/pkg/storage"
)

// The cascading layout places the left spine of the tree at ascending powers
// of two and hangs a classically indexed subtree off the right child of each
// spine node:
//
//	          8
//	    4            9
//	 2     5     10     11
//	1  3  6  7  12 13 14 15
//
//	leaves (0-indexed):
//	0  1  2  3  4  5  6  7
//
// Slot 0 of the storage holds the number of inserted leaves, reinterpreted
// as a machine word from the digest slot.

// Structural errors raised by restore and validation.
var (
	ErrStorageNotPowerOfTwo = errors.New("merkle: storage length must be a power of 2")
	ErrStorageTooSmall      = errors.New("merkle: storage length must be greater than 1")
	ErrTooManyLeaves        = errors.New("merkle: number of leaves exceeds half the storage length")
	ErrHashMismatch         = errors.New("merkle: internal node hash does not match its children")
	ErrDirtyTail            = errors.New("merkle: storage contains non-empty values past the last leaf")
)

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func ilog2(n int) int { return bits.Len(uint(n)) - 1 }

// indexFromLeaf returns the storage slot of the given zero-based leaf.
func indexFromLeaf(leaf int) int {
	return leaf + nextPow2(leaf+1)
}

// leafFromIndex is the inverse of indexFromLeaf on leaf slots.
func leafFromIndex(index int) int {
	return index - nextPow2(index+1)>>1
}

// parentIndex returns the storage slot of the parent of slot i. Spine nodes
// (powers of two) parent to the next power of two.
func parentIndex(i int) int {
	if isPow2(i) {
		return i << 1
	}
	prevPow := nextPow2(i) >> 1
	return prevPow + (i-prevPow)>>1
}

// siblingIndex returns the sibling slot of i and whether i is the left
// child. Spine nodes are left siblings of the subtree root below them; the
// first slot after a power of two sits on the seam and is the right sibling
// of the previous spine tip.
func siblingIndex(i int) (sibling int, isLeft bool) {
	nextPow := nextPow2(i)
	if i == nextPow {
		return i<<1 + 1, true
	}
	prevPow := nextPow >> 1
	if i-1 == prevPow {
		return prevPow >> 1, false
	}
	if i&1 == 0 {
		return i + 1, true
	}
	return i - 1, false
}

// indexHeightOffset returns the storage slot of the node at the given height
// (0 = leaves) and offset within its row.
func indexHeightOffset(height, offset int) int {
	if offset == 0 {
		return 1 << height
	}
	leaf := offset << height
	return offset + nextPow2(leaf+1)
}

// childIndices returns the children of slot i, if it has any in storage.
func childIndices(i int) (left, right int, ok bool) {
	nextPow := nextPow2(i)
	if i == nextPow {
		if i == 1 {
			return 0, 0, false
		}
		return i >> 1, i + 1, true
	}
	prevPow := nextPow >> 1
	offset := i - prevPow
	if offset >= prevPow>>1 {
		return 0, 0, false
	}
	return prevPow + 2*offset, prevPow + 2*offset + 1, true
}

// subtreeDepth returns the depth of the filled portion of a power-of-two
// sized storage slice.
func subtreeDepth(storageLen int) int {
	return ilog2(storageLen >> 1)
}

// assertDigestFitsCounter panics unless the digest type can hold the
// machine-word leaf counter stored in slot 0.
func assertDigestFitsCounter[H comparable]() {
	if storage.PodSize[H]() < int(unsafe.Sizeof(uint64(0))) {
		panic("merkle: digest type must be at least the size of a machine word")
	}
}

// loadNumLeaves reads the leaf counter from slot 0.
func loadNumLeaves[H comparable](s []H) int {
	return int(*(*uint64)(unsafe.Pointer(&s[0])))
}

// storeNumLeaves writes the leaf counter to slot 0.
func storeNumLeaves[H comparable](s []H, n int) {
	*(*uint64)(unsafe.Pointer(&s[0])) = uint64(n)
}

// rowIter walks the storage slots of one tree row, left to right. A row at
// height h is the spine slot 1<<h followed by log-many contiguous runs, one
// per subtree hanging off the spine.
type rowIter struct {
	runs []rowRun
	run  int
	next int
}

type rowRun struct{ start, end int }

func newRowIter(storageLen, height int) *rowIter {
	first := 1 << height
	if first >= storageLen {
		return &rowIter{}
	}
	runs := []rowRun{{first, first + 1}}
	next := first<<1 + 1
	for i := 0; ; i++ {
		if next >= storageLen {
			break
		}
		runs = append(runs, rowRun{next, next + 1<<i})
		next <<= 1
	}
	it := &rowIter{runs: runs}
	it.next = runs[0].start
	return it
}

// Next returns the next slot in the row, or false when exhausted.
func (it *rowIter) Next() (int, bool) {
	if it.run >= len(it.runs) {
		return 0, false
	}
	i := it.next
	it.next++
	if it.next >= it.runs[it.run].end {
		it.run++
		if it.run < len(it.runs) {
			it.next = it.runs[it.run].start
		}
	}
	return i, true
}

// propagateUp rehashes ancestors of the given slot until the filled portion
// of the storage is exhausted.
func propagateUp[H comparable](h hasher.Hasher[H], s []H, index int) {
	for {
		sib, isLeft := siblingIndex(index)
		var left, right int
		if isLeft {
			left, right = index, sib
		} else {
			left, right = sib, index
		}
		if left >= len(s) || right >= len(s) {
			return
		}
		parent := parentIndex(index)
		if parent >= len(s) {
			return
		}
		s[parent] = h.HashNode(s[left], s[right])
		index = parent
	}
}

// hashLayerParallel computes parents[i] = h(children[2i], children[2i+1])
// for i in [0, count) across a worker pool.
func hashLayerParallel[H comparable](h hasher.Hasher[H], parents, children []H, count int) {
	numWorkers := runtime.NumCPU()
	if numWorkers > count {
		numWorkers = count
	}
	if numWorkers <= 1 {
		for i := 0; i < count; i++ {
			parents[i] = h.HashNode(children[2*i], children[2*i+1])
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (count + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * chunk
		end := start + chunk
		if end > count {
			end = count
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				parents[i] = h.HashNode(children[2*i], children[2*i+1])
			}
		}(start, end)
	}
	wg.Wait()
}

// initSubtreeWithLeaves fills a spine subtree from its base row upward.
//
// The subtree slice is 1-indexed with its root at slot 1 and its base row at
// [width, 2*width). The base row beyond the given leaves must already hold
// empty values. Interior rows above fully empty regions are taken from the
// sparse column instead of being rehashed. Returns the subtree root.
func initSubtreeWithLeaves[H comparable](h hasher.Hasher[H], subtree, sparseColumn, leaves []H) H {
	width := len(subtree) >> 1
	depth := ilog2(width)

	copy(subtree[width:width+len(leaves)], leaves)

	occupied := len(leaves)
	for level := 1; level <= depth; level++ {
		rowStart := 1 << (depth - level)
		rowEnd := rowStart << 1
		occupied = (occupied + 1) >> 1

		parents := subtree[rowStart:rowEnd]
		children := subtree[rowEnd:]
		hashLayerParallel(h, parents, children, occupied)
		for i := occupied; i < len(parents); i++ {
			parents[i] = sparseColumn[level]
		}
	}

	return subtree[1]
}

// extendSubtreeWithLeaves inserts leaves into a partially filled subtree
// starting at the given base offset, then rehashes the affected ancestors
// bottom-up. This is the sequential path for subtrees whose base row is not
// filled from offset 0. Returns the subtree root.
func extendSubtreeWithLeaves[H comparable](h hasher.Hasher[H], subtree []H, leafStart int, leaves []H) H {
	width := len(subtree) >> 1

	copy(subtree[width+leafStart:], leaves)

	lo := width + leafStart
	hi := width + leafStart + len(leaves) - 1
	for lo > 1 {
		lo >>= 1
		hi >>= 1
		for p := lo; p <= hi; p++ {
			subtree[p] = h.HashNode(subtree[2*p], subtree[2*p+1])
		}
	}
	return subtree[1]
}

// sparseFillSubtree overwrites the interior rows of an all-empty subtree
// slice with the precomputed empty-subtree hashes. No hashing is performed.
func sparseFillSubtree[H comparable](subtree, sparseColumn []H) {
	depth := ilog2(len(subtree) >> 1)
	for level := 1; level <= depth; level++ {
		rowStart := 1 << (depth - level)
		rowEnd := rowStart << 1
		for i := rowStart; i < rowEnd; i++ {
			subtree[i] = sparseColumn[level]
		}
	}
}

// populateWithLeaves initializes the storage with the cascading base layout
// for the given leaves: ascending power-of-two subtrees along the left
// spine, each hashed bottom-up, with the spine hash folded left to right.
func populateWithLeaves[H comparable](st storage.GenericStorage[H], h hasher.Hasher[H], sparseColumn []H, empty H, leaves []H) error {
	numLeaves := len(leaves)
	baseLen := nextPow2(numLeaves)
	storageSize := baseLen << 1
	if storageSize < 2 {
		storageSize = 2
	}

	vec := make([]H, storageSize)
	for i := range vec {
		vec[i] = empty
	}

	lastSubRoot := empty
	if numLeaves > 0 {
		lastSubRoot = leaves[0]
	}
	vec[1] = lastSubRoot

	depth := ilog2(baseLen)
	for height := 1; height <= depth; height++ {
		leftIndex := 1 << height
		subtree := vec[leftIndex : leftIndex<<1]
		leafStart := leftIndex >> 1
		leafEnd := leftIndex
		if leafEnd > numLeaves {
			leafEnd = numLeaves
		}
		var leafSlice []H
		if leafEnd > leafStart {
			leafSlice = leaves[leafStart:leafEnd]
		}
		root := initSubtreeWithLeaves(h, subtree, sparseColumn, leafSlice)
		vec[leftIndex] = h.HashNode(lastSubRoot, root)
		lastSubRoot = vec[leftIndex]
	}

	st.Clear()
	if err := st.ExtendFromSlice(vec); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	storeNumLeaves(st.Slice(), numLeaves)
	return nil
}

// validateStorageShape checks the constant-time structural invariants.
func validateStorageShape[H comparable](s []H) error {
	if !isPow2(len(s)) {
		return fmt.Errorf("%w: len %d", ErrStorageNotPowerOfTwo, len(s))
	}
	if len(s) < 2 {
		return fmt.Errorf("%w: len %d", ErrStorageTooSmall, len(s))
	}
	return nil
}

// validateStorage verifies every structural invariant of the storage: shape,
// the hash of every interior slot against its children, and that every slot
// at or past the first unused leaf holds the empty value. Row sweeps run in
// parallel.
func validateStorage[H comparable](s []H, h hasher.Hasher[H], empty H) error {
	if err := validateStorageShape(s); err != nil {
		return err
	}

	depth := subtreeDepth(len(s))

	numLeaves := loadNumLeaves(s)
	if numLeaves > len(s)>>1 {
		return fmt.Errorf("%w: %d leaves in %d slots", ErrTooManyLeaves, numLeaves, len(s))
	}

	var g errgroup.Group

	firstEmpty := indexFromLeaf(numLeaves)
	if firstEmpty < len(s) {
		numWorkers := runtime.NumCPU()
		chunk := (len(s) - firstEmpty + numWorkers - 1) / numWorkers
		for start := firstEmpty; start < len(s); start += chunk {
			end := start + chunk
			if end > len(s) {
				end = len(s)
			}
			tail := s[start:end]
			g.Go(func() error {
				for i := range tail {
					if tail[i] != empty {
						return ErrDirtyTail
					}
				}
				return nil
			})
		}
	}

	for height := 0; height < depth; height++ {
		height := height
		g.Go(func() error {
			parents := newRowIter(len(s), height+1)
			children := newRowIter(len(s), height)
			for {
				p, ok := parents.Next()
				if !ok {
					return nil
				}
				left, _ := children.Next()
				right, _ := children.Next()
				if s[p] != h.HashNode(s[left], s[right]) {
					return fmt.Errorf("%w: slot %d", ErrHashMismatch, p)
				}
			}
		})
	}

	return g.Wait()
}
