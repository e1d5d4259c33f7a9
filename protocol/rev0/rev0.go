// Package rev0 implements revision 0 of the boot handoff response layout
// (api_version 0). Revision 0 identifies bootloader-internal structures with
// dedicated synthetic kind values, encodes the owning module's index directly
// into module memory kinds, and documents the ACPI RSDP pointer as always
// present.
package rev0

import (
	"encoding/binary"
	"fmt"
)

// ResponseSize is the encoded size of a revision 0 response descriptor.
const ResponseSize = 144

// Field offsets within the response record. All fields are little-endian
// 64-bit words; pointer fields hold guest physical addresses with 0 meaning
// "not found" where the field is documented optional.
const (
	bootloaderNameOff     = 0
	bootloaderNameLenOff  = 8
	bootloaderVerOff      = 16
	bootloaderVerLenOff   = 24
	kernelPhysOff         = 32
	kernelVirtOff         = 40
	memoryMapOff          = 48
	memoryMapCountOff     = 56
	smbios32Off           = 64
	smbios64Off           = 72
	rsdpOff               = 80
	uefiSystemTableOff    = 88
	uefiMemoryMapOff      = 96
	uefiMemoryMapSizeOff  = 104
	uefiDescriptorSizeOff = 112
	uefiDescriptorVerOff  = 120
	moduleEntriesOff      = 128
	moduleCountOff        = 136
)

// Response is the revision 0 record exactly as laid out on the wire. Every
// field is a raw 64-bit value; conversion to owned, bounds-checked views is
// the consumer's job.
type Response struct {
	BootloaderName    uint64
	BootloaderNameLen uint64
	BootloaderVer     uint64
	BootloaderVerLen  uint64

	KernelPhysicalAddress uint64
	KernelVirtualAddress  uint64

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
		return nil, fmt.Errorf("revision 0 response needs %d bytes, have %d", ResponseSize, len(b))
	}
	le := binary.LittleEndian
	return &Response{
		BootloaderName:                 le.Uint64(b[bootloaderNameOff:]),
		BootloaderNameLen:              le.Uint64(b[bootloaderNameLenOff:]),
		BootloaderVer:                  le.Uint64(b[bootloaderVerOff:]),
		BootloaderVerLen:               le.Uint64(b[bootloaderVerLenOff:]),
		KernelPhysicalAddress:          le.Uint64(b[kernelPhysOff:]),
		KernelVirtualAddress:           le.Uint64(b[kernelVirtOff:]),
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

// Validate checks the revision 0 mandatory-field policy. Revision 0
// documents the RSDP as always present.
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
	if r.RSDPTable == 0 {
		return fmt.Errorf("RSDP pointer is mandatory in revision 0")
	}
	if r.ModuleEntryCount > 0 && r.ModuleEntries == 0 {
		return fmt.Errorf("module table pointer is null with %d entries", r.ModuleEntryCount)
	}
	return nil
}
