// Package memmap defines the normalized physical memory map handed from the
// bootloader to the kernel: the classification taxonomy, the invariants every
// valid map satisfies, and the algorithms that produce a conforming map from
// a raw firmware-provided one.
package memmap

import (
	"errors"
	"fmt"
)

// PageSize is the required alignment of every entry's base and size.
const PageSize = 4096

// Class is the revision-independent classification of a memory region. Each
// protocol revision maps classes onto its own wire kind values.
type Class uint8

const (
	// ClassUsable is free general-purpose RAM.
	ClassUsable Class = iota
	// ClassReserved must never be touched.
	ClassReserved
	// ClassACPIReclaimable holds ACPI tables, reclaimable once ACPI is up.
	ClassACPIReclaimable
	// ClassACPINVS must persist across sleep states.
	ClassACPINVS
	// ClassUnusable contains errors.
	ClassUnusable
	// ClassUnaccepted must be accepted before use.
	ClassUnaccepted
	// ClassBootloader holds bootloader-owned structures, including the
	// response descriptor itself. Reclaimable after the kernel copies out.
	ClassBootloader
	// ClassKernel holds the loaded kernel image.
	ClassKernel
	// ClassModule holds one loaded module's bytes.
	ClassModule
)

func (c Class) String() string {
	switch c {
	case ClassUsable:
		return "usable"
	case ClassReserved:
		return "reserved"
	case ClassACPIReclaimable:
		return "acpi-reclaimable"
	case ClassACPINVS:
		return "acpi-nvs"
	case ClassUnusable:
		return "unusable"
	case ClassUnaccepted:
		return "unaccepted"
	case ClassBootloader:
		return "bootloader"
	case ClassKernel:
		return "kernel"
	case ClassModule:
		return "module"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	for c := ClassUsable; c <= ClassModule; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown memory class %q", s)
}

// Entry is a single normalized memory map record. Base and Size are page
// aligned and entries in a valid map are sorted and disjoint.
type Entry struct {
	Class Class
	// Module is the index into the module table for ClassModule entries.
	// It is -1 when unknown or not applicable.
	Module int
	Base   uint64
	Size   uint64
}

// End returns the exclusive end address of the entry.
func (e Entry) End() uint64 { return e.Base + e.Size }

// Contains reports whether [base, base+size) lies entirely inside the entry.
func (e Entry) Contains(base, size uint64) bool {
	return base >= e.Base && base+size <= e.End() && base+size >= base
}

// RawRegion is a firmware-native region before normalization. It may be
// unaligned and may overlap other raw regions.
type RawRegion struct {
	Class Class
	Base  uint64
	Size  uint64
}

// E820 BIOS memory types, as reported by INT 15h AX=E820h.
const (
	E820Usable          uint32 = 1
	E820Reserved        uint32 = 2
	E820ACPIReclaimable uint32 = 3
	E820ACPINVS         uint32 = 4
	E820Unusable        uint32 = 5
	E820Disabled        uint32 = 6
	E820PersistentMem   uint32 = 7
	E820Unaccepted      uint32 = 8
)

// FromE820 converts a BIOS e820 entry into a raw region. Types without a
// protocol-level meaning collapse to reserved.
func FromE820(addr, size uint64, typ uint32) RawRegion {
	var class Class
	switch typ {
	case E820Usable:
		class = ClassUsable
	case E820ACPIReclaimable:
		class = ClassACPIReclaimable
	case E820ACPINVS:
		class = ClassACPINVS
	case E820Unusable:
		class = ClassUnusable
	case E820Unaccepted:
		class = ClassUnaccepted
	default:
		class = ClassReserved
	}
	return RawRegion{Class: class, Base: addr, Size: size}
}

// ErrInvalidMap is wrapped by every invariant violation Validate reports.
var ErrInvalidMap = errors.New("invalid memory map")

// Validate checks the whole-map invariants: page alignment of base and size,
// nonzero size, no address overflow, ascending base order, and no overlap.
func Validate(entries []Entry) error {
	var prevEnd uint64
	for i, e := range entries {
		if e.Size == 0 {
			return fmt.Errorf("%w: entry %d has zero size", ErrInvalidMap, i)
		}
		if e.Base%PageSize != 0 || e.Size%PageSize != 0 {
			return fmt.Errorf("%w: entry %d [%#x, +%#x) not page aligned", ErrInvalidMap, i, e.Base, e.Size)
		}
		if e.Base+e.Size < e.Base {
			return fmt.Errorf("%w: entry %d [%#x, +%#x) overflows", ErrInvalidMap, i, e.Base, e.Size)
		}
		if i > 0 {
			if e.Base < entries[i-1].Base {
				return fmt.Errorf("%w: entry %d base %#x not in ascending order", ErrInvalidMap, i, e.Base)
			}
			if e.Base < prevEnd {
				return fmt.Errorf("%w: entry %d [%#x, %#x) overlaps previous end %#x", ErrInvalidMap, i, e.Base, e.End(), prevEnd)
			}
		}
		prevEnd = e.End()
	}
	return nil
}

// TotalOf sums the sizes of entries with the given class.
func TotalOf(entries []Entry, class Class) uint64 {
	var total uint64
	for _, e := range entries {
		if e.Class == class {
			total += e.Size
		}
	}
	return total
}
