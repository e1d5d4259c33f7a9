package gmem

import "fmt"

// Allocator hands out guest physical ranges top-down from a fixed window,
// mirroring how boot structures are stacked below the top of usable RAM. It
// never frees; the whole span is reclaimed at once by the consumer after the
// handoff.
type Allocator struct {
	low  uint64 // inclusive floor
	high uint64 // exclusive ceiling, never moves
	next uint64 // current watermark, next <= high
}

// NewAllocator returns an allocator over [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{low: base, high: base + size, next: base + size}
}

// Alloc reserves size bytes aligned down to align and returns the guest
// physical address of the range. align must be a power of two.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrExhausted)
	}
	if size > a.next-a.low {
		return 0, fmt.Errorf("%w: need %#x bytes, %#x left", ErrExhausted, size, a.next-a.low)
	}
	addr := AlignDown(a.next-size, align)
	if addr < a.low {
		return 0, fmt.Errorf("%w: need %#x bytes aligned to %#x, %#x left", ErrExhausted, size, align, a.next-a.low)
	}
	a.next = addr
	return addr, nil
}

// AllocPages reserves size bytes rounded up to whole pages, page aligned.
func (a *Allocator) AllocPages(size uint64) (uint64, error) {
	return a.Alloc(AlignUp(size, PageSize), PageSize)
}

// Span returns the page-aligned range covering everything allocated so far.
// Size is zero when nothing has been allocated.
func (a *Allocator) Span() (base, size uint64) {
	base = AlignDown(a.next, PageSize)
	return base, a.high - base
}
