// Package bootloader builds boot handoff responses. Given a description of
// the discovered machine state and a window of guest physical memory, it
// normalizes the firmware memory map, places modules and the protocol
// structures into usable RAM, tags everything it placed, and encodes the
// response in the layout of the negotiated protocol revision.
package bootloader

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/handoff/gmem"
	"github.com/tinyrange/handoff/memmap"
	"github.com/tinyrange/handoff/protocol"
	"github.com/tinyrange/handoff/protocol/rev0"
	"github.com/tinyrange/handoff/protocol/rev1"
)

// MaxMemoryMapEntries bounds the memory map array. The array's own backing
// region is carved out of the map before the final entry count is known, so
// it is sized for the worst case up front.
const MaxMemoryMapEntries = 128

// Module is a file the bootloader loads on the kernel's behalf.
type Module struct {
	Name string
	Data []byte
}

// Info identifies the bootloader in the response.
type Info struct {
	Name    string
	Version string
}

// Machine is everything discovery produced: the raw firmware memory map,
// firmware table addresses (0 where a table was not found), the raw UEFI
// memory map to pass through untouched, where the kernel was placed, and the
// modules to load.
type Machine struct {
	Regions []memmap.RawRegion

	SMBIOS32        uint64
	SMBIOS64        uint64
	RSDP            uint64
	UEFISystemTable uint64

	UEFIMemoryMap                  []byte
	UEFIMemoryMapDescriptorSize    uint64
	UEFIMemoryMapDescriptorVersion uint64

	KernelPhysicalAddress uint64
	KernelSize            uint64
	KernelVirtualAddress  uint64
	// DirectMap is only delivered by revision 1 responses.
	DirectMap uint64

	Modules []Module
}

// Result reports what Build placed and where.
type Result struct {
	// ResponseAddr is the guest physical address handed to the kernel at
	// entry, per the target architecture's convention.
	ResponseAddr uint64
	// Version is the protocol revision the response was encoded with.
	Version uint64
	// Entries is the final normalized memory map as written.
	Entries []memmap.Entry
	// ModuleAddrs holds the load address of each module, in table order.
	ModuleAddrs []uint64
}

// placements tracks where bootloader-owned structures landed, so revision 0
// encoding can give each its synthetic kind.
type placements struct {
	uefiMapAddr uint64
	tableAddr   uint64
	mapAddr     uint64
}

// Build produces a fully populated response for the requested protocol
// version. Every memory map invariant holds before Build returns; an error
// means the boot attempt must be abandoned, not retried.
func Build(mem gmem.Memory, m *Machine, info Info, requested uint64) (*Result, error) {
	if err := protocol.Negotiate(protocol.LatestVersion, requested); err != nil {
		return nil, err
	}
	if info.Name == "" || info.Version == "" {
		return nil, errors.New("bootloader identity must be set")
	}
	if m.KernelPhysicalAddress == 0 || m.KernelSize == 0 || m.KernelVirtualAddress == 0 {
		return nil, errors.New("kernel placement must be set")
	}
	if m.KernelPhysicalAddress%gmem.PageSize != 0 {
		return nil, fmt.Errorf("kernel physical address %#x not page aligned", m.KernelPhysicalAddress)
	}
	kernelSpan := gmem.AlignUp(m.KernelSize, gmem.PageSize)
	if kernelSpan < m.KernelSize {
		return nil, fmt.Errorf("kernel size %#x overflows page rounding", m.KernelSize)
	}
	if requested == protocol.Version0 && m.RSDP == 0 {
		return nil, errors.New("RSDP not found but revision 0 requires it")
	}

	entries, err := memmap.Normalize(m.Regions)
	if err != nil {
		return nil, fmt.Errorf("normalize firmware memory map: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("firmware memory map is empty")
	}

	entries, err = memmap.Carve(entries, m.KernelPhysicalAddress,
		kernelSpan, memmap.ClassKernel, -1)
	if err != nil {
		return nil, fmt.Errorf("tag kernel region: %w", err)
	}

	alloc, err := placementWindow(mem, entries)
	if err != nil {
		return nil, err
	}

	var place placements
	result := &Result{Version: requested}

	// Modules go in first, highest in memory, each its own tagged region.
	for i, mod := range m.Modules {
		if len(mod.Data) == 0 {
			return nil, fmt.Errorf("module %d (%q) is empty", i, mod.Name)
		}
		addr, err := alloc.AllocPages(uint64(len(mod.Data)))
		if err != nil {
			return nil, fmt.Errorf("place module %q: %w", mod.Name, err)
		}
		if _, err := mem.WriteAt(mod.Data, int64(addr)); err != nil {
			return nil, fmt.Errorf("write module %q: %w", mod.Name, err)
		}
		entries, err = memmap.Carve(entries, addr,
			gmem.AlignUp(uint64(len(mod.Data)), gmem.PageSize), memmap.ClassModule, i)
		if err != nil {
			return nil, fmt.Errorf("tag module %q: %w", mod.Name, err)
		}
		result.ModuleAddrs = append(result.ModuleAddrs, addr)
		slog.Debug("placed module", "name", mod.Name, "addr", fmt.Sprintf("%#x", addr), "size", len(mod.Data))
	}

	// Raw UEFI memory map passthrough, if the firmware provided one.
	if len(m.UEFIMemoryMap) > 0 {
		addr, err := alloc.AllocPages(uint64(len(m.UEFIMemoryMap)))
		if err != nil {
			return nil, fmt.Errorf("place UEFI memory map: %w", err)
		}
		if _, err := mem.WriteAt(m.UEFIMemoryMap, int64(addr)); err != nil {
			return nil, fmt.Errorf("write UEFI memory map: %w", err)
		}
		entries, err = memmap.Carve(entries, addr,
			gmem.AlignUp(uint64(len(m.UEFIMemoryMap)), gmem.PageSize), memmap.ClassBootloader, -1)
		if err != nil {
			return nil, fmt.Errorf("tag UEFI memory map: %w", err)
		}
		place.uefiMapAddr = addr
	}

	// Module descriptor table.
	if len(m.Modules) > 0 {
		tableSize := uint64(len(m.Modules)) * protocol.ModuleEntrySize
		addr, err := alloc.AllocPages(tableSize)
		if err != nil {
			return nil, fmt.Errorf("place module table: %w", err)
		}
		entries, err = memmap.Carve(entries, addr,
			gmem.AlignUp(tableSize, gmem.PageSize), memmap.ClassBootloader, -1)
		if err != nil {
			return nil, fmt.Errorf("tag module table: %w", err)
		}
		place.tableAddr = addr
	}

	// Response record plus every string it references, in one region.
	respSize := uint64(rev1.ResponseSize)
	if requested == protocol.Version0 {
		respSize = rev0.ResponseSize
	}
	stringsLen := uint64(len(info.Name) + len(info.Version))
	for _, mod := range m.Modules {
		stringsLen += uint64(len(mod.Name))
	}
	respAddr, err := alloc.AllocPages(respSize + stringsLen)
	if err != nil {
		return nil, fmt.Errorf("place response: %w", err)
	}
	entries, err = memmap.Carve(entries, respAddr,
		gmem.AlignUp(respSize+stringsLen, gmem.PageSize), memmap.ClassBootloader, -1)
	if err != nil {
		return nil, fmt.Errorf("tag response: %w", err)
	}
	result.ResponseAddr = respAddr

	// The memory map array is carved at worst-case capacity: its own carve is
	// the last change to the entry count.
	mapCap := uint64(MaxMemoryMapEntries) * protocol.MemoryMapEntrySize
	mapAddr, err := alloc.AllocPages(mapCap)
	if err != nil {
		return nil, fmt.Errorf("place memory map array: %w", err)
	}
	entries, err = memmap.Carve(entries, mapAddr,
		gmem.AlignUp(mapCap, gmem.PageSize), memmap.ClassBootloader, -1)
	if err != nil {
		return nil, fmt.Errorf("tag memory map array: %w", err)
	}
	place.mapAddr = mapAddr

	if len(entries) > MaxMemoryMapEntries {
		return nil, fmt.Errorf("memory map needs %d entries, limit is %d", len(entries), MaxMemoryMapEntries)
	}
	if err := memmap.Validate(entries); err != nil {
		return nil, fmt.Errorf("memory map failed self-check: %w", err)
	}
	result.Entries = entries

	// Strings live straight after the response record.
	strAddr := respAddr + respSize
	nameAddr, nameLen := strAddr, uint64(len(info.Name))
	verAddr, verLen := nameAddr+nameLen, uint64(len(info.Version))
	if _, err := mem.WriteAt([]byte(info.Name+info.Version), int64(nameAddr)); err != nil {
		return nil, fmt.Errorf("write bootloader identity: %w", err)
	}
	modNameAddr := verAddr + verLen
	moduleNames := make([]uint64, len(m.Modules))
	for i, mod := range m.Modules {
		moduleNames[i] = modNameAddr
		if _, err := mem.WriteAt([]byte(mod.Name), int64(modNameAddr)); err != nil {
			return nil, fmt.Errorf("write module name %q: %w", mod.Name, err)
		}
		modNameAddr += uint64(len(mod.Name))
	}

	// Module descriptor table contents.
	for i, mod := range m.Modules {
		ent := protocol.RawModuleEntry{
			Name:    moduleNames[i],
			NameLen: uint64(len(mod.Name)),
			Address: result.ModuleAddrs[i],
			Size:    uint64(len(mod.Data)),
		}
		buf := make([]byte, protocol.ModuleEntrySize)
		protocol.PutModuleEntry(buf, ent)
		off := int64(place.tableAddr + uint64(i)*protocol.ModuleEntrySize)
		if _, err := mem.WriteAt(buf, off); err != nil {
			return nil, fmt.Errorf("write module entry %d: %w", i, err)
		}
	}

	// Memory map array contents, with revision-specific kinds.
	for i, e := range entries {
		kind, err := wireKind(requested, e, place)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, protocol.MemoryMapEntrySize)
		protocol.PutMapEntry(buf, protocol.RawMapEntry{Kind: kind, Base: e.Base, Size: e.Size})
		off := int64(mapAddr + uint64(i)*protocol.MemoryMapEntrySize)
		if _, err := mem.WriteAt(buf, off); err != nil {
			return nil, fmt.Errorf("write memory map entry %d: %w", i, err)
		}
	}

	// Finally the response record itself.
	respBytes, err := encodeResponse(requested, m, info, place, respAddr, nameAddr, nameLen, verAddr, verLen, uint64(len(entries)))
	if err != nil {
		return nil, err
	}
	if _, err := mem.WriteAt(respBytes, int64(respAddr)); err != nil {
		return nil, fmt.Errorf("write response record: %w", err)
	}

	slog.Debug("built handoff response",
		"version", requested,
		"response", fmt.Sprintf("%#x", respAddr),
		"mapEntries", len(entries),
		"modules", len(m.Modules))

	return result, nil
}

// placementWindow picks the highest usable region that fits inside the guest
// memory window and returns a top-down allocator over it.
func placementWindow(mem gmem.Memory, entries []memmap.Entry) (*gmem.Allocator, error) {
	memLo := mem.Base()
	memHi := mem.Base() + mem.Size()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Class != memmap.ClassUsable {
			continue
		}
		if e.Base < memLo || e.End() > memHi {
			continue
		}
		return gmem.NewAllocator(e.Base, e.Size), nil
	}
	return nil, errors.New("no usable region inside the guest memory window")
}

func wireKind(version uint64, e memmap.Entry, place placements) (uint64, error) {
	if version == protocol.Version0 && e.Class == memmap.ClassBootloader {
		switch e.Base {
		case place.uefiMapAddr:
			if place.uefiMapAddr != 0 {
				return rev0.KindUEFIMemoryMap, nil
			}
		case place.mapAddr:
			return rev0.KindMemoryMap, nil
		case place.tableAddr:
			if place.tableAddr != 0 {
				return rev0.KindModuleDescriptors, nil
			}
		}
	}
	if version == protocol.Version0 {
		return rev0.KindForEntry(e)
	}
	return rev1.KindForClass(e.Class)
}

func encodeResponse(version uint64, m *Machine, info Info, place placements,
	respAddr, nameAddr, nameLen, verAddr, verLen, entryCount uint64) ([]byte, error) {

	var uefiMapAddr, uefiMapSize uint64
	if len(m.UEFIMemoryMap) > 0 {
		uefiMapAddr = place.uefiMapAddr
		uefiMapSize = uint64(len(m.UEFIMemoryMap))
	}
	var tableAddr, moduleCount uint64
	if len(m.Modules) > 0 {
		tableAddr = place.tableAddr
		moduleCount = uint64(len(m.Modules))
	}

	switch version {
	case protocol.Version0:
		resp := rev0.Response{
			BootloaderName:                 nameAddr,
			BootloaderNameLen:              nameLen,
			BootloaderVer:                  verAddr,
			BootloaderVerLen:               verLen,
			KernelPhysicalAddress:          m.KernelPhysicalAddress,
			KernelVirtualAddress:           m.KernelVirtualAddress,
			MemoryMapEntries:               place.mapAddr,
			MemoryMapEntryCount:            entryCount,
			SMBIOSEntry32:                  m.SMBIOS32,
			SMBIOSEntry64:                  m.SMBIOS64,
			RSDPTable:                      m.RSDP,
			UEFISystemTable:                m.UEFISystemTable,
			UEFIMemoryMap:                  uefiMapAddr,
			UEFIMemoryMapSize:              uefiMapSize,
			UEFIMemoryMapDescriptorSize:    m.UEFIMemoryMapDescriptorSize,
			UEFIMemoryMapDescriptorVersion: m.UEFIMemoryMapDescriptorVersion,
			ModuleEntries:                  tableAddr,
			ModuleEntryCount:               moduleCount,
		}
		return resp.Encode(), nil
	case protocol.Version1:
		resp := rev1.Response{
			BootloaderName:                 nameAddr,
			BootloaderNameLen:              nameLen,
			BootloaderVer:                  verAddr,
			BootloaderVerLen:               verLen,
			KernelPhysicalAddress:          m.KernelPhysicalAddress,
			KernelVirtualAddress:           m.KernelVirtualAddress,
			DirectMap:                      m.DirectMap,
			MemoryMapEntries:               place.mapAddr,
			MemoryMapEntryCount:            entryCount,
			SMBIOSEntry32:                  m.SMBIOS32,
			SMBIOSEntry64:                  m.SMBIOS64,
			RSDPTable:                      m.RSDP,
			UEFISystemTable:                m.UEFISystemTable,
			UEFIMemoryMap:                  uefiMapAddr,
			UEFIMemoryMapSize:              uefiMapSize,
			UEFIMemoryMapDescriptorSize:    m.UEFIMemoryMapDescriptorSize,
			UEFIMemoryMapDescriptorVersion: m.UEFIMemoryMapDescriptorVersion,
			ModuleEntries:                  tableAddr,
			ModuleEntryCount:               moduleCount,
		}
		return resp.Encode(), nil
	default:
		return nil, fmt.Errorf("%w: version %d", protocol.ErrUnsupportedVersion, version)
	}
}
