// Package kernel consumes a boot handoff response. On entry the response is
// untrusted: Open re-checks every documented invariant before converting the
// raw (pointer, length) pairs into owned Go values, so that nothing past
// early initialization touches bootloader memory directly. Any violation is
// boot fatal; there is no partial-trust mode.
package kernel

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tinyrange/handoff/gmem"
	"github.com/tinyrange/handoff/memmap"
	"github.com/tinyrange/handoff/protocol"
	"github.com/tinyrange/handoff/protocol/rev0"
	"github.com/tinyrange/handoff/protocol/rev1"
)

// ErrInvalidResponse wraps every validation failure Open reports.
var ErrInvalidResponse = errors.New("invalid bootloader response")

// maxMapEntries and maxModuleEntries bound the table sizes Open will read.
// Far beyond anything a conforming bootloader produces, small enough to
// reject garbage counts before allocating.
const (
	maxMapEntries    = 1 << 16
	maxModuleEntries = 1 << 16
)

// Module is an owned view of one loaded module. Address and Size still refer
// to guest physical memory; the name has been copied out.
type Module struct {
	Name    string
	Address uint64
	Size    uint64
}

// Response is the validated, owned view of a handoff response. Everything
// here survives reclamation of bootloader memory.
type Response struct {
	Version uint64

	BootloaderName    string
	BootloaderVersion string

	KernelPhysicalAddress uint64
	KernelVirtualAddress  uint64
	// DirectMap is zero for revision 0 responses, which do not carry it.
	DirectMap uint64

	MemoryMap []memmap.Entry

	SMBIOS32        uint64
	SMBIOS64        uint64
	RSDP            uint64
	UEFISystemTable uint64

	// UEFIMemoryMap is a copy of the raw firmware memory map, for consumers
	// that want to re-derive information beyond the normalized map.
	UEFIMemoryMap                  []byte
	UEFIMemoryMapDescriptorSize    uint64
	UEFIMemoryMapDescriptorVersion uint64

	Modules []Module
}

// raw is the revision-independent shape both decoders produce; per-revision
// differences are resolved before validation continues.
type raw struct {
	nameAddr, nameLen uint64
	verAddr, verLen   uint64
	kernelPhys        uint64
	kernelVirt        uint64
	directMap         uint64
	mapAddr, mapCount uint64
	smbios32          uint64
	smbios64          uint64
	rsdp              uint64
	uefiSystemTable   uint64
	uefiMap           uint64
	uefiMapSize       uint64
	uefiDescSize      uint64
	uefiDescVer       uint64
	tableAddr         uint64
	moduleCount       uint64
}

// Open reads, validates, and copies out the response at addr, using the
// decoder for the given negotiated version.
func Open(mem gmem.Memory, addr uint64, version uint64) (*Response, error) {
	r, err := decode(mem, addr, version)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Version:                        version,
		KernelPhysicalAddress:          r.kernelPhys,
		KernelVirtualAddress:           r.kernelVirt,
		DirectMap:                      r.directMap,
		SMBIOS32:                       r.smbios32,
		SMBIOS64:                       r.smbios64,
		RSDP:                           r.rsdp,
		UEFISystemTable:                r.uefiSystemTable,
		UEFIMemoryMapDescriptorSize:    r.uefiDescSize,
		UEFIMemoryMapDescriptorVersion: r.uefiDescVer,
	}

	if out.BootloaderName, err = readString(mem, r.nameAddr, r.nameLen, "bootloader name"); err != nil {
		return nil, err
	}
	if out.BootloaderVersion, err = readString(mem, r.verAddr, r.verLen, "bootloader version"); err != nil {
		return nil, err
	}

	if out.MemoryMap, err = readMemoryMap(mem, r.mapAddr, r.mapCount, version); err != nil {
		return nil, err
	}

	if out.Modules, err = readModules(mem, r.tableAddr, r.moduleCount, out.MemoryMap, version); err != nil {
		return nil, err
	}

	if r.uefiMapSize > 0 {
		if r.uefiMap == 0 {
			return nil, fmt.Errorf("%w: UEFI memory map size %d with null pointer", ErrInvalidResponse, r.uefiMapSize)
		}
		if r.uefiMapSize > mem.Size() {
			return nil, fmt.Errorf("%w: UEFI memory map size %d exceeds memory window", ErrInvalidResponse, r.uefiMapSize)
		}
		buf := make([]byte, r.uefiMapSize)
		if _, err := mem.ReadAt(buf, int64(r.uefiMap)); err != nil {
			return nil, fmt.Errorf("%w: read UEFI memory map: %v", ErrInvalidResponse, err)
		}
		out.UEFIMemoryMap = buf
	}

	return out, nil
}

func decode(mem gmem.Memory, addr, version uint64) (*raw, error) {
	switch version {
	case protocol.Version0:
		buf := make([]byte, rev0.ResponseSize)
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return nil, fmt.Errorf("%w: read response record: %v", ErrInvalidResponse, err)
		}
		resp, err := rev0.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if err := resp.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return &raw{
			nameAddr: resp.BootloaderName, nameLen: resp.BootloaderNameLen,
			verAddr: resp.BootloaderVer, verLen: resp.BootloaderVerLen,
			kernelPhys: resp.KernelPhysicalAddress,
			kernelVirt: resp.KernelVirtualAddress,
			mapAddr:    resp.MemoryMapEntries, mapCount: resp.MemoryMapEntryCount,
			smbios32: resp.SMBIOSEntry32, smbios64: resp.SMBIOSEntry64,
			rsdp:            resp.RSDPTable,
			uefiSystemTable: resp.UEFISystemTable,
			uefiMap:         resp.UEFIMemoryMap, uefiMapSize: resp.UEFIMemoryMapSize,
			uefiDescSize: resp.UEFIMemoryMapDescriptorSize, uefiDescVer: resp.UEFIMemoryMapDescriptorVersion,
			tableAddr: resp.ModuleEntries, moduleCount: resp.ModuleEntryCount,
		}, nil
	case protocol.Version1:
		buf := make([]byte, rev1.ResponseSize)
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return nil, fmt.Errorf("%w: read response record: %v", ErrInvalidResponse, err)
		}
		resp, err := rev1.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if err := resp.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return &raw{
			nameAddr: resp.BootloaderName, nameLen: resp.BootloaderNameLen,
			verAddr: resp.BootloaderVer, verLen: resp.BootloaderVerLen,
			kernelPhys: resp.KernelPhysicalAddress,
			kernelVirt: resp.KernelVirtualAddress,
			directMap:  resp.DirectMap,
			mapAddr:    resp.MemoryMapEntries, mapCount: resp.MemoryMapEntryCount,
			smbios32: resp.SMBIOSEntry32, smbios64: resp.SMBIOSEntry64,
			rsdp:            resp.RSDPTable,
			uefiSystemTable: resp.UEFISystemTable,
			uefiMap:         resp.UEFIMemoryMap, uefiMapSize: resp.UEFIMemoryMapSize,
			uefiDescSize: resp.UEFIMemoryMapDescriptorSize, uefiDescVer: resp.UEFIMemoryMapDescriptorVersion,
			tableAddr: resp.ModuleEntries, moduleCount: resp.ModuleEntryCount,
		}, nil
	default:
		return nil, fmt.Errorf("%w: version %d", protocol.ErrUnsupportedVersion, version)
	}
}

func readString(mem gmem.Memory, addr, length uint64, what string) (string, error) {
	if length == 0 {
		return "", nil
	}
	if addr == 0 {
		return "", fmt.Errorf("%w: %s has length %d with null pointer", ErrInvalidResponse, what, length)
	}
	if length > mem.Size() {
		return "", fmt.Errorf("%w: %s length %d exceeds memory window", ErrInvalidResponse, what, length)
	}
	buf := make([]byte, length)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrInvalidResponse, what, err)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidResponse, what)
	}
	return string(buf), nil
}

func readMemoryMap(mem gmem.Memory, addr, count, version uint64) ([]memmap.Entry, error) {
	if count > maxMapEntries {
		return nil, fmt.Errorf("%w: implausible memory map entry count %d", ErrInvalidResponse, count)
	}
	buf := make([]byte, count*protocol.MemoryMapEntrySize)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: read memory map array: %v", ErrInvalidResponse, err)
	}

	entries := make([]memmap.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		raw := protocol.GetMapEntry(buf[i*protocol.MemoryMapEntrySize:])
		var (
			class  memmap.Class
			module = -1
			err    error
		)
		if version == protocol.Version0 {
			class, module, err = rev0.ClassForKind(raw.Kind)
		} else {
			class, err = rev1.ClassForKind(raw.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidResponse, i, err)
		}
		entries = append(entries, memmap.Entry{Class: class, Module: module, Base: raw.Base, Size: raw.Size})
	}

	if err := memmap.Validate(entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return entries, nil
}

func readModules(mem gmem.Memory, addr, count uint64, entries []memmap.Entry, version uint64) ([]Module, error) {
	if count == 0 {
		return nil, nil
	}
	if count > maxModuleEntries {
		return nil, fmt.Errorf("%w: implausible module count %d", ErrInvalidResponse, count)
	}
	buf := make([]byte, count*protocol.ModuleEntrySize)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: read module table: %v", ErrInvalidResponse, err)
	}

	modules := make([]Module, 0, count)
	for i := uint64(0); i < count; i++ {
		raw := protocol.GetModuleEntry(buf[i*protocol.ModuleEntrySize:])
		if raw.Address%memmap.PageSize != 0 {
			return nil, fmt.Errorf("%w: module %d address %#x not page aligned", ErrInvalidResponse, i, raw.Address)
		}
		if raw.Size == 0 {
			return nil, fmt.Errorf("%w: module %d has zero size", ErrInvalidResponse, i)
		}
		span := alignUp(raw.Size, memmap.PageSize)
		if span == 0 || raw.Address+span < raw.Address {
			return nil, fmt.Errorf("%w: module %d [%#x, +%#x) wraps the address space", ErrInvalidResponse, i, raw.Address, raw.Size)
		}
		name, err := readString(mem, raw.Name, raw.NameLen, fmt.Sprintf("module %d name", i))
		if err != nil {
			return nil, err
		}
		if err := correlateModule(entries, int(i), raw, span, version); err != nil {
			return nil, err
		}
		modules = append(modules, Module{Name: name, Address: raw.Address, Size: raw.Size})
	}
	return modules, nil
}

// correlateModule checks that a module's bytes live inside module-kind map
// memory. span is the page-rounded module size, already checked nonzero and
// non-wrapping by the caller. Revision 0 carries the module index in the
// kind value, so the matching entry must carry this module's index.
// Revision 1 has a single module kind and correlates by address containment
// alone; the table order is deliberately not trusted to match the map order.
func correlateModule(entries []memmap.Entry, index int, raw protocol.RawModuleEntry, span uint64, version uint64) error {
	for _, e := range entries {
		if e.Class != memmap.ClassModule {
			continue
		}
		if !e.Contains(raw.Address, span) {
			continue
		}
		if version == protocol.Version0 && e.Module != index {
			return fmt.Errorf("%w: module %d lives in memory tagged for module %d", ErrInvalidResponse, index, e.Module)
		}
		return nil
	}
	return fmt.Errorf("%w: module %d [%#x, +%#x) not covered by module-kind memory", ErrInvalidResponse, index, raw.Address, raw.Size)
}

// ReclaimBootloader reclassifies bootloader-owned entries as usable, merging
// neighbours. This is the kernel's own bookkeeping step once everything it
// needs has been copied out; the input slice is not modified.
func ReclaimBootloader(entries []memmap.Entry) []memmap.Entry {
	out := make([]memmap.Entry, len(entries))
	copy(out, entries)
	for i := range out {
		if out[i].Class == memmap.ClassBootloader {
			out[i].Class = memmap.ClassUsable
			out[i].Module = -1
		}
	}
	return memmap.MergeAdjacent(out)
}

func alignUp(value, align uint64) uint64 {
	mask := align - 1
	return (value + mask) &^ mask
}
