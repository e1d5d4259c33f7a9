package rev0

import (
	"fmt"

	"github.com/tinyrange/handoff/memmap"
)

// Revision 0 wire kind values. Values at or above the high bit are synthetic:
// they identify bootloader-owned structures rather than firmware-reported
// memory, and all of them carry the bootloader reclaim policy.
const (
	KindUsable                 uint64 = 0
	KindReserved               uint64 = 1
	KindACPIReclaimable        uint64 = 2
	KindACPINonvolatileStorage uint64 = 3
	KindUnusable               uint64 = 4
	KindUnaccepted             uint64 = 5
	KindBootloader             uint64 = 6

	// KindUEFIMemoryMap marks the copy of the raw UEFI memory map.
	KindUEFIMemoryMap uint64 = 0x8000_0000_0000_0000
	// KindMemoryMap marks the memory map entry array itself.
	KindMemoryMap uint64 = 0x8000_0000_0000_0001
	// KindModuleDescriptors marks the module entry table.
	KindModuleDescriptors uint64 = 0x8000_0000_0000_0002

	// KindKernel marks the loaded kernel image.
	KindKernel uint64 = 0x8000_0000_0001_0000
	// KindModuleStart is the first of the range of kinds identifying module
	// memory; KindModuleStart+i holds module i's bytes.
	KindModuleStart uint64 = 0x8000_0000_0001_0001
	// KindModuleEnd is the inclusive end of the module kind range.
	KindModuleEnd uint64 = 0xFFFF_FFFF_FFFF_FFFF
)

// KindForEntry maps a normalized entry onto its revision 0 wire kind.
// ClassModule entries require a module index; bootloader-structure regions
// that need a synthetic kind are handled by the builder before encoding.
func KindForEntry(e memmap.Entry) (uint64, error) {
	switch e.Class {
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
		if e.Module < 0 {
			return 0, fmt.Errorf("module entry [%#x, +%#x) has no module index", e.Base, e.Size)
		}
		kind := KindModuleStart + uint64(e.Module)
		if kind < KindModuleStart {
			return 0, fmt.Errorf("module index %d overflows the kind range", e.Module)
		}
		return kind, nil
	default:
		return 0, fmt.Errorf("unencodable memory class %v", e.Class)
	}
}

// ClassForKind is the inverse mapping. For module kinds it recovers the
// encoded module index; for every other kind the index is -1. The synthetic
// structure kinds all decode to the bootloader class since they share its
// reclaim policy.
func ClassForKind(kind uint64) (memmap.Class, int, error) {
	switch kind {
	case KindUsable:
		return memmap.ClassUsable, -1, nil
	case KindReserved:
		return memmap.ClassReserved, -1, nil
	case KindACPIReclaimable:
		return memmap.ClassACPIReclaimable, -1, nil
	case KindACPINonvolatileStorage:
		return memmap.ClassACPINVS, -1, nil
	case KindUnusable:
		return memmap.ClassUnusable, -1, nil
	case KindUnaccepted:
		return memmap.ClassUnaccepted, -1, nil
	case KindBootloader, KindUEFIMemoryMap, KindMemoryMap, KindModuleDescriptors:
		return memmap.ClassBootloader, -1, nil
	case KindKernel:
		return memmap.ClassKernel, -1, nil
	}
	if kind >= KindModuleStart && kind <= KindModuleEnd {
		index := kind - KindModuleStart
		if index > uint64(1)<<62 {
			return 0, 0, fmt.Errorf("module kind %#x encodes an implausible index", kind)
		}
		return memmap.ClassModule, int(index), nil
	}
	return 0, 0, fmt.Errorf("unknown revision 0 memory kind %#x", kind)
}
