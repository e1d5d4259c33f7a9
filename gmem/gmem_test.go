package gmem

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestBufferReadWrite(t *testing.T) {
	b := NewBuffer(0x1000, 0x2000)
	payload := []byte("hello")
	if _, err := b.WriteAt(payload, 0x1800); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := b.ReadAt(got, 0x1800); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q", got)
	}
}

func TestBufferOutOfRange(t *testing.T) {
	b := NewBuffer(0x1000, 0x1000)
	cases := []struct {
		name string
		off  int64
		n    int
	}{
		{"below base", 0x800, 8},
		{"past end", 0x1FFC, 8},
		{"far past end", 0x100000, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := b.WriteAt(make([]byte, tc.n), tc.off); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("WriteAt(%#x) = %v, want ErrOutOfRange", tc.off, err)
			}
			if _, err := b.ReadAt(make([]byte, tc.n), tc.off); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("ReadAt(%#x) = %v, want ErrOutOfRange", tc.off, err)
			}
		})
	}
}

func TestAllocatorTopDown(t *testing.T) {
	a := NewAllocator(0x10000, 0x10000)
	first, err := a.Alloc(0x1000, PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if first != 0x1F000 {
		t.Fatalf("first allocation at %#x, want 0x1F000", first)
	}
	second, err := a.Alloc(0x800, PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if second != 0x1E000 {
		t.Fatalf("second allocation at %#x, want 0x1E000", second)
	}
	if second+0x800 > first {
		t.Fatal("allocations overlap")
	}
}

func TestAllocatorAlignment(t *testing.T) {
	a := NewAllocator(0x10000, 0x10000)
	addr, err := a.Alloc(0x123, 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr%0x1000 != 0 {
		t.Fatalf("allocation at %#x not aligned", addr)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(0x1000, 0x2000)
	if _, err := a.Alloc(0x4000, PageSize); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if _, err := a.Alloc(0, PageSize); !errors.Is(err, ErrExhausted) {
		t.Fatalf("zero-size alloc err = %v, want ErrExhausted", err)
	}
}

func TestAllocatorSpan(t *testing.T) {
	a := NewAllocator(0x10000, 0x10000)
	if _, err := a.AllocPages(0x1800); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	base, size := a.Span()
	if base != 0x1E000 || size != 0x2000 {
		t.Fatalf("Span = %#x +%#x", base, size)
	}
}

func TestAlignHelpers(t *testing.T) {
	if got := AlignUp(0x1001, 0x1000); got != 0x2000 {
		t.Errorf("AlignUp = %#x", got)
	}
	if got := AlignDown(0x1FFF, 0x1000); got != 0x1000 {
		t.Errorf("AlignDown = %#x", got)
	}
	if got := AlignUp(0x1000, 0); got != 0x1000 {
		t.Errorf("AlignUp with zero align = %#x", got)
	}
}

func TestFileMemoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.img")
	m, err := OpenFile(path, 0x8000, 0x4000)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer m.Close()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if _, err := m.WriteAt(payload, 0x9000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := m.ReadAt(got, 0x9000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %x", got)
	}
	if _, err := m.WriteAt(payload, 0x7000); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("below-base write err = %v", err)
	}
}
