package storage

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// metaSize is the number of bytes reserved at the start of the file for the
// logical length, stored as a little-endian machine word.
const metaSize = int(unsafe.Sizeof(uint64(0)))

// Typed errors surfaced by the mmap layer. Tree layers pass them through
// unchanged.
var (
	ErrFileTooSmall          = errors.New("storage: file smaller than length header")
	ErrInvalidAlignment      = errors.New("storage: file size is not a whole number of elements")
	ErrLengthExceedsCapacity = errors.New("storage: stored length exceeds file capacity")
)

// MmapVec is a growable, file-backed typed vector.
//
// File layout:
//
//	offset 0: uint64 little-endian logical length N
//	offset 8: N * sizeof(T) bytes of element data, followed by
//	          (capacity - N) * sizeof(T) bytes of stale capacity
//
// Capacity grows by doubling to the next power of two whenever an append
// would exceed it. Resizing extends the file, drops the current mapping and
// remaps the new extent; the caller must guarantee that no other mapping of
// the same file exists for the lifetime of the vector.
//
// The length header and element data are not written atomically. After a
// crash the stored length reflects the last flushed metadata write while
// data slots may hold stale bytes; higher layers detect that state with
// their own validation.
type MmapVec[T any] struct {
	file     *os.File
	mem      []byte
	capacity int
	elemSize int
}

// CreateMmapVec truncates f to an empty vector (length header only, zero
// capacity), maps it and returns the vector.
func CreateMmapVec[T any](f *os.File) (*MmapVec[T], error) {
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncate file: %w", err)
	}
	if err := f.Truncate(int64(metaSize)); err != nil {
		return nil, fmt.Errorf("resize file: %w", err)
	}

	v, err := RestoreMmapVec[T](f)
	if err != nil {
		return nil, err
	}
	v.setLen(0)
	return v, nil
}

// CreateMmapVecFromPath creates (or truncates) the file at path and returns
// an empty vector backed by it.
func CreateMmapVecFromPath[T any](path string) (*MmapVec[T], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	v, err := CreateMmapVec[T](f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

// RestoreMmapVec reopens an existing vector from f. The capacity is inferred
// from the file size; the logical length is read from the header.
func RestoreMmapVec[T any](f *os.File) (*MmapVec[T], error) {
	elemSize := PodSize[T]()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	byteLen := int(info.Size())
	if byteLen < metaSize {
		return nil, ErrFileTooSmall
	}

	dataLen := byteLen - metaSize
	if dataLen%elemSize != 0 {
		return nil, ErrInvalidAlignment
	}
	capacity := dataLen / elemSize

	mem, err := unix.Mmap(int(f.Fd()), 0, byteLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", byteLen, err)
	}

	v := &MmapVec[T]{
		file:     f,
		mem:      mem,
		capacity: capacity,
		elemSize: elemSize,
	}
	if v.Len() > capacity {
		unix.Munmap(mem)
		return nil, ErrLengthExceedsCapacity
	}
	return v, nil
}

// RestoreMmapVecFromPath reopens an existing vector from the file at path.
func RestoreMmapVecFromPath[T any](path string) (*MmapVec[T], error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	v, err := RestoreMmapVec[T](f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

// Len returns the logical length stored in the header.
func (v *MmapVec[T]) Len() int {
	return int(*(*uint64)(unsafe.Pointer(&v.mem[0])))
}

func (v *MmapVec[T]) setLen(n int) {
	*(*uint64)(unsafe.Pointer(&v.mem[0])) = uint64(n)
}

// Capacity returns the number of element slots backed by the file.
func (v *MmapVec[T]) Capacity() int { return v.capacity }

// capacitySlice returns the full capacity as a typed slice.
func (v *MmapVec[T]) capacitySlice() []T {
	if v.capacity == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.mem[metaSize])), v.capacity)
}

// Slice returns a live view of the first Len elements.
func (v *MmapVec[T]) Slice() []T {
	return v.capacitySlice()[:v.Len()]
}

// Push appends a single element, doubling the capacity if needed.
func (v *MmapVec[T]) Push(val T) error {
	n := v.Len()
	if n+1 > v.capacity {
		if err := v.Resize(nextPowerOfTwo(n + 1)); err != nil {
			return err
		}
	}
	v.capacitySlice()[n] = val
	v.setLen(n + 1)
	return nil
}

// ExtendFromSlice appends all elements of s, growing at most once.
func (v *MmapVec[T]) ExtendFromSlice(s []T) error {
	n := v.Len()
	newLen := n + len(s)
	if newLen > v.capacity {
		if err := v.Resize(nextPowerOfTwo(newLen)); err != nil {
			return err
		}
	}
	copy(v.capacitySlice()[n:newLen], s)
	v.setLen(newLen)
	return nil
}

// Clear writes a logical length of zero without truncating the file.
func (v *MmapVec[T]) Clear() { v.setLen(0) }

// Resize grows the file to hold newCapacity elements and remaps it.
//
// The current mapping is dropped before the new one is created; no other
// mapping of the file may exist at that point.
func (v *MmapVec[T]) Resize(newCapacity int) error {
	newByteLen := metaSize + newCapacity*v.elemSize

	if err := v.file.Truncate(int64(newByteLen)); err != nil {
		return fmt.Errorf("resize file: %w", err)
	}

	if err := unix.Munmap(v.mem); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	v.mem = nil

	mem, err := unix.Mmap(int(v.file.Fd()), 0, newByteLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap %d bytes: %w", newByteLen, err)
	}
	v.mem = mem
	v.capacity = newCapacity
	return nil
}

// Close drops the mapping and closes the backing file. The vector must not
// be used afterwards.
func (v *MmapVec[T]) Close() error {
	if v.mem != nil {
		if err := unix.Munmap(v.mem); err != nil {
			return fmt.Errorf("unmap: %w", err)
		}
		v.mem = nil
	}
	return v.file.Close()
}
