package rev1

import (
	"fmt"

	"github.com/tinyrange/handoff/memmap"
)

// Revision 1 wire kind values. The revision 0 synthetic structure kinds are
// gone: everything the bootloader owns, including the memory map array and
// the copy of the raw UEFI map, is plain bootloader memory. Module memory
// uses a single kind and is correlated to the module table by address
// containment.
const (
	KindUsable                 uint64 = 0
	KindReserved               uint64 = 1
	KindACPIReclaimable        uint64 = 2
	KindACPINonvolatileStorage uint64 = 3
	KindUnusable               uint64 = 4
	KindUnaccepted             uint64 = 5
	KindBootloader             uint64 = 6
	KindKernel                 uint64 = 7
	KindModule                 uint64 = 8
)

// KindForClass maps a normalized class onto its revision 1 wire kind.
func KindForClass(c memmap.Class) (uint64, error) {
	switch c {
	case memmap.ClassUsable:
		return KindUsable, nil
	case memmap.ClassReserved:
		return KindReserved, nil
	case memmap.ClassACPIReclaimable:
		return KindACPIReclaimable, nil
	case memmap.ClassACPINVS:
		return KindACPINonvolatileStorage, nil
	case memmap.ClassUnusable:
		return KindUnusable, nil
	case memmap.ClassUnaccepted:
		return KindUnaccepted, nil
	case memmap.ClassBootloader:
		return KindBootloader, nil
	case memmap.ClassKernel:
		return KindKernel, nil
	case memmap.ClassModule:
		return KindModule, nil
	default:
		return 0, fmt.Errorf("unencodable memory class %v", c)
	}
}

// ClassForKind is the inverse mapping. Module entries come back without an
// index; recovering which module owns a region is done by address
// containment against the module table.
func ClassForKind(kind uint64) (memmap.Class, error) {
	switch kind {
	case KindUsable:
		return memmap.ClassUsable, nil
	case KindReserved:
		return memmap.ClassReserved, nil
	case KindACPIReclaimable:
		return memmap.ClassACPIReclaimable, nil
	case KindACPINonvolatileStorage:
		return memmap.ClassACPINVS, nil
	case KindUnusable:
		return memmap.ClassUnusable, nil
	case KindUnaccepted:
		return memmap.ClassUnaccepted, nil
	case KindBootloader:
		return memmap.ClassBootloader, nil
	case KindKernel:
		return memmap.ClassKernel, nil
	case KindModule:
		return memmap.ClassModule, nil
	default:
		return 0, fmt.Errorf("unknown revision 1 memory kind %#x", kind)
	}
}
