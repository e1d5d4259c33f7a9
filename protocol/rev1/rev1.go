// Package rev1 implements revision 1 of the boot handoff response layout
// (api_version 1). Compared to revision 0 it adds the higher-half direct map
// offset, replaces the range-encoded module kinds with a single module kind
// correlated to the module table by address containment, folds the synthetic
// structure kinds into the bootloader kind, and makes the ACPI RSDP pointer
// nullable.
package rev1

import (
	"encoding/binary"
	"fmt"
)

// ResponseSize is the encoded size of a revision 1 response descriptor.
const ResponseSize = 152

const (
	bootloaderNameOff     = 0
	bootloaderNameLenOff  = 8
	bootloaderVerOff      = 16
	bootloaderVerLenOff   = 24
	kernelPhysOff         = 32
	kernelVirtOff         = 40
	directMapOff          = 48
	memoryMapOff          = 56
	memoryMapCountOff     = 64
	smbios32Off           = 72
	smbios64Off           = 80
	rsdpOff               = 88
	uefiSystemTableOff    = 96
	uefiMemoryMapOff      = 104
	uefiMemoryMapSizeOff  = 112
	uefiDescriptorSizeOff = 120
	uefiDescriptorVerOff  = 128
	moduleEntriesOff      = 136
	moduleCountOff        = 144
)

// Response is the revision 1 record exactly as laid out on the wire.
type Response struct {
	BootloaderName    uint64
	BootloaderNameLen uint64
	BootloaderVer     uint64
	BootloaderVerLen  uint64

	KernelPhysicalAddress uint64
	KernelVirtualAddress  uint64
	// DirectMap is the base virtual address of the higher-half region that
	// maps all physical memory read/write/execute.
	DirectMap uint64

	MemoryMapEntries    uint64
	MemoryMapEntryCount uint64

	SMBIOSEntry32 uint64
	SMBIOSEntry64 uint64

	RSDPTable       uint64
	UEFISystemTable uint64

	UEFIMemoryMap                  uint64
	UEFIMemoryMapSize              uint64
	UEFIMemoryMapDescriptorSize    uint64
	UEFIMemoryMapDescriptorVersion uint64

	ModuleEntries    uint64
	ModuleEntryCount uint64
}

// Encode renders the response record.
func (r *Response) Encode() []byte {
	b := make([]byte, ResponseSize)
	le := binary.LittleEndian
	le.PutUint64(b[bootloaderNameOff:], r.BootloaderName)
	le.PutUint64(b[bootloaderNameLenOff:], r.BootloaderNameLen)
	le.PutUint64(b[bootloaderVerOff:], r.BootloaderVer)
	le.PutUint64(b[bootloaderVerLenOff:], r.BootloaderVerLen)
	le.PutUint64(b[kernelPhysOff:], r.KernelPhysicalAddress)
	le.PutUint64(b[kernelVirtOff:], r.KernelVirtualAddress)
	le.PutUint64(b[directMapOff:], r.DirectMap)
	le.PutUint64(b[memoryMapOff:], r.MemoryMapEntries)
	le.PutUint64(b[memoryMapCountOff:], r.MemoryMapEntryCount)
	le.PutUint64(b[smbios32Off:], r.SMBIOSEntry32)
	le.PutUint64(b[smbios64Off:], r.SMBIOSEntry64)
	le.PutUint64(b[rsdpOff:], r.RSDPTable)
	le.PutUint64(b[uefiSystemTableOff:], r.UEFISystemTable)
	le.PutUint64(b[uefiMemoryMapOff:], r.UEFIMemoryMap)
	le.PutUint64(b[uefiMemoryMapSizeOff:], r.UEFIMemoryMapSize)
	le.PutUint64(b[uefiDescriptorSizeOff:], r.UEFIMemoryMapDescriptorSize)
	le.PutUint64(b[uefiDescriptorVerOff:], r.UEFIMemoryMapDescriptorVersion)
	le.PutUint64(b[moduleEntriesOff:], r.ModuleEntries)
	le.PutUint64(b[moduleCountOff:], r.ModuleEntryCount)
	return b
}

// Decode parses a response record from b.
func Decode(b []byte) (*Response, error) {
	if len(b) < ResponseSize {
		return nil, fmt.Errorf("revision 1 response needs %d bytes, have %d", ResponseSize, len(b))
	}
	le := binary.LittleEndian
	return &Response{
		BootloaderName:                 le.Uint64(b[bootloaderNameOff:]),
		BootloaderNameLen:              le.Uint64(b[bootloaderNameLenOff:]),
		BootloaderVer:                  le.Uint64(b[bootloaderVerOff:]),
		BootloaderVerLen:               le.Uint64(b[bootloaderVerLenOff:]),
		KernelPhysicalAddress:          le.Uint64(b[kernelPhysOff:]),
		KernelVirtualAddress:           le.Uint64(b[kernelVirtOff:]),
		DirectMap:                      le.Uint64(b[directMapOff:]),
		MemoryMapEntries:               le.Uint64(b[memoryMapOff:]),
		MemoryMapEntryCount:            le.Uint64(b[memoryMapCountOff:]),
		SMBIOSEntry32:                  le.Uint64(b[smbios32Off:]),
		SMBIOSEntry64:                  le.Uint64(b[smbios64Off:]),
		RSDPTable:                      le.Uint64(b[rsdpOff:]),
		UEFISystemTable:                le.Uint64(b[uefiSystemTableOff:]),
		UEFIMemoryMap:                  le.Uint64(b[uefiMemoryMapOff:]),
		UEFIMemoryMapSize:              le.Uint64(b[uefiMemoryMapSizeOff:]),
		UEFIMemoryMapDescriptorSize:    le.Uint64(b[uefiDescriptorSizeOff:]),
		UEFIMemoryMapDescriptorVersion: le.Uint64(b[uefiDescriptorVerOff:]),
		ModuleEntries:                  le.Uint64(b[moduleEntriesOff:]),
		ModuleEntryCount:               le.Uint64(b[moduleCountOff:]),
	}, nil
}

// Validate checks the revision 1 mandatory-field policy. The RSDP and the
// other firmware table pointers are all nullable in this revision.
func (r *Response) Validate() error {
	if r.BootloaderName == 0 || r.BootloaderVer == 0 {
		return fmt.Errorf("bootloader identity strings are mandatory")
	}
	if r.KernelPhysicalAddress == 0 || r.KernelVirtualAddress == 0 {
		return fmt.Errorf("kernel placement addresses are mandatory")
	}
	if r.MemoryMapEntries == 0 || r.MemoryMapEntryCount == 0 {
		return fmt.Errorf("memory map is mandatory")
	}
	if r.ModuleEntryCount > 0 && r.ModuleEntries == 0 {
		return fmt.Errorf("module table pointer is null with %d entries", r.ModuleEntryCount)
	}
	return nil
}
