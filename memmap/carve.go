package memmap

import "fmt"

// Carve reclassifies the page-aligned range [base, base+size) to the given
// class, splitting usable entries as needed. The range must be covered
// entirely by usable memory; carving anything else is a placement bug on the
// caller's side. Carved entries are never merged with neighbours so that
// separately carved structures stay individually addressable in the map.
func Carve(entries []Entry, base, size uint64, class Class, module int) ([]Entry, error) {
	if size == 0 {
		return entries, nil
	}
	if base%PageSize != 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("carve range [%#x, +%#x) not page aligned", base, size)
	}
	end := base + size
	if end < base {
		return nil, fmt.Errorf("carve range [%#x, +%#x) overflows", base, size)
	}

	out := make([]Entry, 0, len(entries)+2)
	var covered uint64
	inserted := false

	for _, ent := range entries {
		if end <= ent.Base || base >= ent.End() {
			out = append(out, ent)
			continue
		}
		if ent.Class != ClassUsable {
			return nil, fmt.Errorf("carve range [%#x, %#x) overlaps %s entry [%#x, %#x)",
				base, end, ent.Class, ent.Base, ent.End())
		}

		lo := max(base, ent.Base)
		hi := min(end, ent.End())

		if lo > ent.Base {
			out = append(out, Entry{Class: ClassUsable, Module: -1, Base: ent.Base, Size: lo - ent.Base})
		}
		if !inserted {
			out = append(out, Entry{Class: class, Module: module, Base: base, Size: size})
			inserted = true
		}
		covered += hi - lo
		if hi < ent.End() {
			out = append(out, Entry{Class: ClassUsable, Module: -1, Base: hi, Size: ent.End() - hi})
		}
	}

	if covered != size {
		return nil, fmt.Errorf("carve range [%#x, %#x) not fully covered by usable memory (%#x of %#x bytes)",
			base, end, covered, size)
	}
	return out, nil
}

// MergeAdjacent joins touching entries of the same class and module index.
// Entries must already satisfy the map invariants.
func MergeAdjacent(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(entries))
	out = append(out, entries[0])
	for _, e := range entries[1:] {
		last := &out[len(out)-1]
		if last.Class == e.Class && last.Module == e.Module && last.End() == e.Base {
			last.Size += e.Size
			continue
		}
		out = append(out, e)
	}
	return out
}
