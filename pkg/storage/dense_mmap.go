package storage

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Errors surfaced by the fixed-size dense mapping.
var (
	ErrFileDoesntExist  = errors.New("storage: file doesn't exist")
	ErrFileSizeMismatch = errors.New("storage: file size should match expected tree size")
)

// DenseMmap is a fixed-size, headerless memory-mapped array of exactly
// `slots` elements. It backs the dense subtree of a persistent lazy tree:
// the file is a raw dump of the subtree's breadth-first slot array with no
// metadata, so its size fully determines its shape.
type DenseMmap[T any] struct {
	file  *os.File
	mem   []byte
	slots int
}

// CreateDenseMmap writes values to a new file at path and maps it. Any
// existing file is truncated.
func CreateDenseMmap[T any](path string, values []T) (*DenseMmap[T], error) {
	elemSize := PodSize[T]()
	byteLen := len(values) * elemSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := f.Truncate(int64(byteLen)); err != nil {
		f.Close()
		return nil, fmt.Errorf("resize file: %w", err)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), byteLen)
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write initial contents: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, byteLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %d bytes: %w", byteLen, err)
	}

	return &DenseMmap[T]{file: f, mem: mem, slots: len(values)}, nil
}

// RestoreDenseMmap maps an existing file at path, which must hold exactly
// `slots` elements. It fails with ErrFileDoesntExist if the file is absent
// and ErrFileSizeMismatch if the size disagrees.
func RestoreDenseMmap[T any](path string, slots int) (*DenseMmap[T], error) {
	elemSize := PodSize[T]()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileDoesntExist
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	byteLen := slots * elemSize
	if info.Size() != int64(byteLen) {
		f.Close()
		return nil, ErrFileSizeMismatch
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, byteLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %d bytes: %w", byteLen, err)
	}

	return &DenseMmap[T]{file: f, mem: mem, slots: slots}, nil
}

// Slice returns the mapped elements.
func (m *DenseMmap[T]) Slice() []T {
	return unsafe.Slice((*T)(unsafe.Pointer(&m.mem[0])), m.slots)
}

// Close drops the mapping and closes the backing file.
func (m *DenseMmap[T]) Close() error {
	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			return fmt.Errorf("unmap: %w", err)
		}
		m.mem = nil
	}
	return m.file.Close()
}
