package merkle

import (
	"sync"

	"github.com/aegisid/identitree/pkg/hasher"
	"github.com/aegisid/identitree/pkg/storage"
)

// NewMmapLazyTreeWithDensePrefixAndValues creates a lazy tree whose dense
// prefix lives in a memory-mapped file at the given path, populated from the
// given leaves. The file is a raw dump of the 2^(prefixDepth+1) subtree
// slots with no header.
func NewMmapLazyTreeWithDensePrefixAndValues[H comparable](h hasher.Hasher[H], depth, prefixDepth int, empty H, values []H, path string) (*LazyTree[H], error) {
	if depth < prefixDepth {
		panic("merkle: dense prefix depth exceeds tree depth")
	}
	table := hasher.EmptyColumn(h, depth, empty)

	slots := denseSlotsFromValues(h, values, empty, prefixDepth)
	m, err := storage.CreateDenseMmap(path, slots)
	if err != nil {
		return nil, err
	}

	dense := &denseMmapTree[H]{
		depth:    prefixDepth,
		rootSlot: 1,
		st:       &denseMmapStorage[H]{m: m},
	}
	return &LazyTree[H]{lazyView[H]{h: h, tree: wrapInSparse[H](h, dense, depth, prefixDepth, table)}}, nil
}

// RestoreMmapLazyTree reopens the dense prefix of a lazy tree from an
// existing file. It fails with storage.ErrFileDoesntExist if the file is
// absent and storage.ErrFileSizeMismatch if its length disagrees with the
// expected 2^(prefixDepth+1) digests.
func RestoreMmapLazyTree[H comparable](h hasher.Hasher[H], depth, prefixDepth int, empty H, path string) (*LazyTree[H], error) {
	if depth < prefixDepth {
		panic("merkle: dense prefix depth exceeds tree depth")
	}
	table := hasher.EmptyColumn(h, depth, empty)

	m, err := storage.RestoreDenseMmap[H](path, 1<<(prefixDepth+1))
	if err != nil {
		return nil, err
	}

	dense := &denseMmapTree[H]{
		depth:    prefixDepth,
		rootSlot: 1,
		st:       &denseMmapStorage[H]{m: m},
	}
	return &LazyTree[H]{lazyView[H]{h: h, tree: wrapInSparse[H](h, dense, depth, prefixDepth, table)}}, nil
}

// denseMmapStorage is the lock-protected handle on a memory-mapped dense
// subtree array, shared by every tree version that references it.
type denseMmapStorage[H comparable] struct {
	mu sync.Mutex
	m  *storage.DenseMmap[H]
}

// denseMmapTree has the same shape as denseTree but its slot array lives in
// a memory-mapped file, so leaf writes persist across process restarts.
type denseMmapTree[H comparable] struct {
	depth    int
	rootSlot int
	st       *denseMmapStorage[H]
}

func (t *denseMmapTree[H]) treeDepth() int { return t.depth }

func (t *denseMmapTree[H]) rootHash() H {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.m.Slice()[t.rootSlot]
}

func (t *denseMmapTree[H]) leafAt(index int) H {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.st.m.Slice()[index+t.rootSlot<<t.depth]
}

func (t *denseMmapTree[H]) ref() denseRef[H] {
	return denseRef[H]{
		depth:    t.depth,
		rootSlot: t.rootSlot,
		slots:    t.st.m.Slice(),
		clone: func(depth, rootSlot int) anyTree[H] {
			return &denseMmapTree[H]{depth: depth, rootSlot: rootSlot, st: t.st}
		},
	}
}

func (t *denseMmapTree[H]) writeProof(index int, path *[]Branch[H]) {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	t.ref().writeProof(index, path)
}

func (t *denseMmapTree[H]) update(h hasher.Hasher[H], index int, value H, mutate bool) anyTree[H] {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if mutate {
		denseUpdateInPlace(h, t.st.m.Slice(), t.depth, t.rootSlot, index, value)
		return t
	}
	return t.ref().update(h, index, value)
}
