package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func fileSize(t *testing.T, path string) int {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return int(info.Size())
}

func TestMmapVecCapacityPush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vec.mmap")
	v, err := CreateMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if v.Capacity() != 0 || fileSize(t, path) != metaSize {
		t.Fatalf("fresh vec: capacity %d, file %d bytes", v.Capacity(), fileSize(t, path))
	}

	// Pushes double capacity to the next power of two.
	expected := []struct{ capacity int }{{1}, {2}, {4}, {4}, {8}}
	for i, want := range expected {
		if err := v.Push(0); err != nil {
			t.Fatal(err)
		}
		if v.Capacity() != want.capacity {
			t.Fatalf("after push %d: capacity = %d, want %d", i+1, v.Capacity(), want.capacity)
		}
		if got := fileSize(t, path); got != metaSize+4*want.capacity {
			t.Fatalf("after push %d: file = %d bytes, want %d", i+1, got, metaSize+4*want.capacity)
		}
	}
}

func TestMmapVecCapacityExtend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vec.mmap")
	v, err := CreateMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if err := v.ExtendFromSlice([]uint32{0, 0}); err != nil {
		t.Fatal(err)
	}
	if v.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", v.Capacity())
	}
	if err := v.ExtendFromSlice([]uint32{0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if v.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", v.Capacity())
	}
	if err := v.ExtendFromSlice([]uint32{0}); err != nil {
		t.Fatal(err)
	}
	if v.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", v.Capacity())
	}
	if v.Len() != 6 {
		t.Fatalf("len = %d, want 6", v.Len())
	}
}

func TestMmapVecCreateTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vec.mmap")
	v, err := CreateMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.ExtendFromSlice([]uint32{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	recreated, err := CreateMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}
	defer recreated.Close()
	if recreated.Capacity() != 0 || recreated.Len() != 0 {
		t.Fatalf("recreated vec not empty: capacity %d, len %d", recreated.Capacity(), recreated.Len())
	}
	if got := fileSize(t, path); got != metaSize {
		t.Fatalf("file = %d bytes, want %d", got, metaSize)
	}
}

func TestMmapVecRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vec.mmap")
	v, err := CreateMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}

	values := []uint32{^uint32(0), 2, 42, 4}
	for _, val := range values {
		if err := v.Push(val); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	restored, err := RestoreMmapVecFromPath[uint32](path)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	if restored.Len() != len(values) {
		t.Fatalf("restored len = %d, want %d", restored.Len(), len(values))
	}
	if diff := cmp.Diff(values, restored.Slice()); diff != "" {
		t.Fatalf("restored contents (-want +got):\n%s", diff)
	}

	// Clear keeps the capacity but empties the prefix.
	restored.Clear()
	if restored.Len() != 0 || restored.Capacity() != 4 {
		t.Fatalf("after clear: len %d, capacity %d", restored.Len(), restored.Capacity())
	}
}

func TestMmapVecRestoreErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("too_small", func(t *testing.T) {
		path := filepath.Join(dir, "small.mmap")
		if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := RestoreMmapVecFromPath[uint32](path)
		if !errors.Is(err, ErrFileTooSmall) {
			t.Fatalf("err = %v, want file too small", err)
		}
	})

	t.Run("misaligned", func(t *testing.T) {
		path := filepath.Join(dir, "misaligned.mmap")
		if err := os.WriteFile(path, make([]byte, metaSize+3), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := RestoreMmapVecFromPath[uint32](path)
		if !errors.Is(err, ErrInvalidAlignment) {
			t.Fatalf("err = %v, want invalid alignment", err)
		}
	})

	t.Run("length_exceeds_capacity", func(t *testing.T) {
		path := filepath.Join(dir, "overflow.mmap")
		buf := make([]byte, metaSize+4)
		buf[0] = 9 // claims 9 elements in a 1-element file
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := RestoreMmapVecFromPath[uint32](path)
		if !errors.Is(err, ErrLengthExceedsCapacity) {
			t.Fatalf("err = %v, want length exceeds capacity", err)
		}
	})
}

func TestDenseMmapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.mmap")

	values := []uint64{10, 20, 30, 40}
	m, err := CreateDenseMmap(path, values)
	if err != nil {
		t.Fatal(err)
	}
	m.Slice()[2] = 99
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if got := fileSize(t, path); got != 8*len(values) {
		t.Fatalf("file = %d bytes, want %d", got, 8*len(values))
	}

	restored, err := RestoreDenseMmap[uint64](path, len(values))
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	if diff := cmp.Diff([]uint64{10, 20, 99, 40}, restored.Slice()); diff != "" {
		t.Fatalf("restored contents (-want +got):\n%s", diff)
	}
}

func TestDenseMmapRestoreErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := RestoreDenseMmap[uint64](filepath.Join(dir, "missing.mmap"), 4)
	if !errors.Is(err, ErrFileDoesntExist) {
		t.Fatalf("err = %v, want file doesn't exist", err)
	}

	path := filepath.Join(dir, "dense.mmap")
	m, err := CreateDenseMmap(path, []uint64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = RestoreDenseMmap[uint64](path, 4)
	if !errors.Is(err, ErrFileSizeMismatch) {
		t.Fatalf("err = %v, want size mismatch", err)
	}
}
