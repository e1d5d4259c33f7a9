package memmap

import (
	"fmt"
	"sort"
)

// precedence orders classes for overlap resolution: when raw firmware
// regions disagree about a range, the more restrictive classification wins.
func precedence(c Class) int {
	switch c {
	case ClassUsable:
		return 0
	case ClassACPIReclaimable:
		return 1
	case ClassACPINVS:
		return 2
	case ClassUnaccepted:
		return 3
	case ClassBootloader:
		return 4
	case ClassModule:
		return 5
	case ClassKernel:
		return 6
	case ClassUnusable:
		return 7
	case ClassReserved:
		return 8
	default:
		return 9
	}
}

// Normalize turns a raw firmware memory map into a conforming normalized one:
// page aligned, sorted ascending by base, non-overlapping, with adjacent
// same-class regions merged. Usable regions are shrunk inward to page
// boundaries; every other class is expanded outward so that no byte the
// firmware declared off-limits is ever reported usable.
func Normalize(raw []RawRegion) ([]Entry, error) {
	type span struct {
		base, end uint64
		class     Class
	}

	spans := make([]span, 0, len(raw))
	for i, r := range raw {
		if r.Size == 0 {
			continue
		}
		end := r.Base + r.Size
		if end < r.Base {
			return nil, fmt.Errorf("raw region %d [%#x, +%#x) overflows", i, r.Base, r.Size)
		}
		var s span
		if r.Class == ClassUsable {
			s = span{base: alignUp(r.Base, PageSize), end: alignDown(end, PageSize), class: r.Class}
		} else {
			s = span{base: alignDown(r.Base, PageSize), end: alignUp(end, PageSize), class: r.Class}
		}
		if s.end <= s.base {
			continue
		}
		spans = append(spans, s)
	}
	if len(spans) == 0 {
		return nil, nil
	}

	// Sweep over the elementary intervals between region edges, picking the
	// highest-precedence classification covering each interval.
	points := make([]uint64, 0, len(spans)*2)
	for _, s := range spans {
		points = append(points, s.base, s.end)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var out []Entry
	for i := 0; i+1 < len(points); i++ {
		lo, hi := points[i], points[i+1]
		if lo == hi {
			continue
		}
		class, covered := Class(0), false
		for _, s := range spans {
			if s.base <= lo && hi <= s.end {
				if !covered || precedence(s.class) > precedence(class) {
					class = s.class
				}
				covered = true
			}
		}
		if !covered {
			continue // genuine hole in physical memory
		}
		if n := len(out); n > 0 && out[n-1].Class == class && out[n-1].End() == lo {
			out[n-1].Size += hi - lo
			continue
		}
		out = append(out, Entry{Class: class, Module: -1, Base: lo, Size: hi - lo})
	}

	return out, nil
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}
