package gmem

import (
	"fmt"
	"os"
)

// FileMemory is a Memory backed by a flat file, used to build or inspect
// memory images on disk. On unix hosts the file is mapped into the process;
// elsewhere accesses fall back to positional file I/O.
type FileMemory struct {
	base uint64
	size uint64
	f    *os.File
	data []byte // non-nil when the file is mapped
}

// OpenFile opens (creating if needed) a memory image of size bytes whose
// first byte corresponds to guest physical address base. An existing file is
// extended or truncated to size.
func OpenFile(path string, base, size uint64) (*FileMemory, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memory image: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size memory image to %d bytes: %w", size, err)
	}
	data, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map memory image: %w", err)
	}
	return &FileMemory{base: base, size: size, f: f, data: data}, nil
}

func (m *FileMemory) Base() uint64 { return m.base }
func (m *FileMemory) Size() uint64 { return m.size }

// ReadAt implements Memory.
func (m *FileMemory) ReadAt(p []byte, off int64) (int, error) {
	rel, err := m.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	if m.data != nil {
		return copy(p, m.data[rel:rel+uint64(len(p))]), nil
	}
	return m.f.ReadAt(p, int64(rel))
}

// WriteAt implements Memory.
func (m *FileMemory) WriteAt(p []byte, off int64) (int, error) {
	rel, err := m.offset(off, len(p))
	if err != nil {
		return 0, err
	}
	if m.data != nil {
		return copy(m.data[rel:rel+uint64(len(p))], p), nil
	}
	return m.f.WriteAt(p, int64(rel))
}

// Close unmaps and closes the backing file.
func (m *FileMemory) Close() error {
	var first error
	if m.data != nil {
		if err := unmapFile(m.data); err != nil {
			first = err
		}
		m.data = nil
	}
	if err := m.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (m *FileMemory) offset(off int64, n int) (uint64, error) {
	if off < 0 || uint64(off) < m.base {
		return 0, fmt.Errorf("%w: address %#x below base %#x", ErrOutOfRange, off, m.base)
	}
	rel := uint64(off) - m.base
	if rel+uint64(n) > m.size {
		return 0, fmt.Errorf("%w: [%#x, %#x) beyond end %#x", ErrOutOfRange, off, uint64(off)+uint64(n), m.base+m.size)
	}
	return rel, nil
}

var _ Memory = &FileMemory{}
