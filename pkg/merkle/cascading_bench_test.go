package merkle

import (
	"path/filepath"
	"testing"

	"github.com/aegisid/identitree/pkg/storage"
)

func benchLeaves(n int) []uint64 {
	leaves := make([]uint64, n)
	for i := range leaves {
		leaves[i] = uint64(i + 1)
	}
	return leaves
}

func BenchmarkCascadingCreate(b *testing.B) {
	leaves := benchLeaves(1 << 14)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := NewCascadingTreeWithLeaves[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0, leaves); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCascadingPush(b *testing.B) {
	tree, err := NewCascadingTree[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Push(uint64(i + 1)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCascadingPushMmap(b *testing.B) {
	st, err := storage.CreateMmapVecFromPath[uint64](filepath.Join(b.TempDir(), "bench.mmap"))
	if err != nil {
		b.Fatal(err)
	}
	defer st.Close()

	tree, err := NewCascadingTree[uint64](testHasher{}, st, 30, 0)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Push(uint64(i + 1)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCascadingSetLeaf(b *testing.B) {
	tree, err := NewCascadingTreeWithLeaves[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0, benchLeaves(1<<14))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.SetLeaf(i%(1<<14), uint64(i))
	}
}

func BenchmarkCascadingExtend(b *testing.B) {
	batch := benchLeaves(1 << 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		tree, err := NewCascadingTree[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		if err := tree.ExtendFromSlice(batch); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCascadingProof(b *testing.B) {
	tree, err := NewCascadingTreeWithLeaves[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0, benchLeaves(1<<14))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tree.Proof(i % (1 << 14))
	}
}

func BenchmarkCascadingValidate(b *testing.B) {
	tree, err := NewCascadingTreeWithLeaves[uint64](testHasher{}, storage.NewMemVec[uint64](), 30, 0, benchLeaves(1<<14))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Validate(); err != nil {
			b.Fatal(err)
		}
	}
}
