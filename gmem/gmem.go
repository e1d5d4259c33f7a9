// Package gmem models a window of guest physical memory shared between the
// bootloader-side response builder and the kernel-side consumer. Offsets
// passed to ReadAt/WriteAt are absolute guest physical addresses, not offsets
// into the window.
package gmem

import (
	"errors"
	"fmt"
	"io"
)

// PageSize is the alignment unit for every protocol-visible allocation.
const PageSize = 4096

var (
	// ErrOutOfRange is returned for accesses outside the memory window.
	ErrOutOfRange = errors.New("guest memory access out of range")
	// ErrExhausted is returned when an allocator cannot satisfy a request.
	ErrExhausted = errors.New("guest memory exhausted")
)

// Memory is a readable and writable window of guest physical memory.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Base returns the guest physical address of the first byte.
	Base() uint64
	// Size returns the window length in bytes.
	Size() uint64
}

// Buffer is an in-process Memory backed by a byte slice.
type Buffer struct {
	base uint64
	mem  []byte
}

// NewBuffer allocates a zeroed guest memory window of size bytes starting at
// guest physical address base.
func NewBuffer(base, size uint64) *Buffer {
	return &Buffer{base: base, mem: make([]byte, size)}
}

func (b *Buffer) Base() uint64 { return b.base }
func (b *Buffer) Size() uint64 { return uint64(len(b.mem)) }

// Bytes returns the backing slice. Mutations are visible to guest reads.
func (b *Buffer) Bytes() []byte { return b.mem }

// ReadAt implements Memory.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	rel, err := b.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b.mem[rel:rel+len(p)]), nil
}

// WriteAt implements Memory.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	rel, err := b.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(b.mem[rel:rel+len(p)], p), nil
}

func (b *Buffer) offset(off int64, n int) (int, error) {
	if off < 0 || uint64(off) < b.base {
		return 0, fmt.Errorf("%w: address %#x below base %#x", ErrOutOfRange, off, b.base)
	}
	rel := uint64(off) - b.base
	if rel+uint64(n) > uint64(len(b.mem)) {
		return 0, fmt.Errorf("%w: [%#x, %#x) beyond end %#x", ErrOutOfRange, off, uint64(off)+uint64(n), b.base+uint64(len(b.mem)))
	}
	return int(rel), nil
}

var _ Memory = &Buffer{}

// AlignUp rounds value up to the next multiple of align. align must be a
// power of two; zero leaves the value unchanged.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignDown rounds value down to a multiple of align.
func AlignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
