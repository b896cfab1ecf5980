package merkle

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aegisid/identitree/pkg/hashers"
)

func TestIncParent(t *testing.T) {
	cases := []struct {
		index, parent int
		ok            bool
	}{
		{0, 0, false}, {1, 0, true}, {2, 0, true},
		{3, 1, true}, {4, 1, true}, {5, 2, true}, {6, 2, true},
		{27, 13, true},
	}
	for _, tc := range cases {
		parent, ok := incParent(tc.index)
		if parent != tc.parent || ok != tc.ok {
			t.Errorf("incParent(%d) = (%d, %v), want (%d, %v)", tc.index, parent, ok, tc.parent, tc.ok)
		}
	}
}

func TestIncLeftChild(t *testing.T) {
	cases := [][2]int{{0, 1}, {1, 3}, {2, 5}, {3, 7}}
	for _, tc := range cases {
		if got := incLeftChild(tc[0]); got != tc[1] {
			t.Errorf("incLeftChild(%d) = %d, want %d", tc[0], got, tc[1])
		}
	}
}

func TestIncrementalEmptyKeccakRoot(t *testing.T) {
	tree := NewIncrementalTree[hashers.Digest](hashers.Keccak256{}, 2, hashers.Digest{})
	want := hexDigest(t, "b4c11951957c6f8f642c4af61cd6b24640fec6dc7fc607ee8206a99e92410d30")
	if got := tree.Root(); got != want {
		t.Fatalf("root = %x, want %x", got, want)
	}
}

func TestIncrementalSet(t *testing.T) {
	tree := NewIncrementalTree[uint64](testHasher{}, 4, 0)
	if got := tree.Root(); got != 0 {
		t.Fatalf("empty root = %d, want 0", got)
	}

	tree.Set(0, 5)
	if got := tree.Root(); got != 5 {
		t.Fatalf("root = %d, want 5", got)
	}
	tree.Set(7, 3)
	if got := tree.Root(); got != 8 {
		t.Fatalf("root = %d, want 8", got)
	}
	if got := tree.GetLeaf(7); got != 3 {
		t.Fatalf("GetLeaf(7) = %d, want 3", got)
	}
}

func TestIncrementalSetRange(t *testing.T) {
	ranged := NewIncrementalTree[uint64](testHasher{}, 5, 0)
	single := NewIncrementalTree[uint64](testHasher{}, 5, 0)

	values := []uint64{4, 8, 15, 16, 23, 42}
	ranged.SetRange(3, values)
	for i, v := range values {
		single.Set(3+i, v)
	}

	if ranged.Root() != single.Root() {
		t.Fatalf("ranged root %d != single-set root %d", ranged.Root(), single.Root())
	}

	var got []uint64
	for leaf := range ranged.Leaves() {
		got = append(got, leaf)
	}
	want := make([]uint64, 1<<5)
	copy(want[3:], values)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("leaves mismatch (-want +got):\n%s", diff)
	}
}

func TestIncrementalProof(t *testing.T) {
	tree := NewIncrementalTree[uint64](testHasher{}, 4, 1)
	leaves := []uint64{10, 20, 30}
	tree.SetRange(0, leaves)

	for i, leaf := range leaves {
		proof := tree.Proof(i)
		if got := len(proof.Branches); got != 4 {
			t.Fatalf("proof length = %d, want 4", got)
		}
		if got := proof.LeafIndex(); got != i {
			t.Fatalf("LeafIndex = %d, want %d", got, i)
		}
		if !tree.Verify(leaf, proof) {
			t.Fatalf("proof for leaf %d does not verify", i)
		}
		if tree.Verify(leaf+1, proof) {
			t.Fatalf("proof for leaf %d verified a wrong value", i)
		}
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range proof")
		}
	}()
	tree.Proof(tree.NumLeaves())
}
