package protocol

import "encoding/binary"

// Array element layouts shared by both revisions. Only the kind values
// written into memory map entries differ between revisions.
const (
	// MemoryMapEntrySize is the wire size of one memory map entry:
	// kind, base, size as three little-endian 64-bit words.
	MemoryMapEntrySize = 24
	// ModuleEntrySize is the wire size of one module entry: name pointer,
	// name length, load address, byte size.
	ModuleEntrySize = 32
)

// RawMapEntry is a memory map entry exactly as it appears on the wire. The
// kind is revision-specific; see rev0.Kind* and rev1.Kind*.
type RawMapEntry struct {
	Kind uint64
	Base uint64
	Size uint64
}

// PutMapEntry encodes e into b, which must hold MemoryMapEntrySize bytes.
func PutMapEntry(b []byte, e RawMapEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.Kind)
	binary.LittleEndian.PutUint64(b[8:], e.Base)
	binary.LittleEndian.PutUint64(b[16:], e.Size)
}

// GetMapEntry decodes a memory map entry from b.
func GetMapEntry(b []byte) RawMapEntry {
	return RawMapEntry{
		Kind: binary.LittleEndian.Uint64(b[0:]),
		Base: binary.LittleEndian.Uint64(b[8:]),
		Size: binary.LittleEndian.Uint64(b[16:]),
	}
}

// RawModuleEntry is a module entry exactly as it appears on the wire. Name
// is a guest physical pointer to NameLen bytes of UTF-8; there is no NUL
// terminator, the length is authoritative.
type RawModuleEntry struct {
	Name    uint64
	NameLen uint64
	Address uint64
	Size    uint64
}

// PutModuleEntry encodes e into b, which must hold ModuleEntrySize bytes.
func PutModuleEntry(b []byte, e RawModuleEntry) {
	binary.LittleEndian.PutUint64(b[0:], e.Name)
	binary.LittleEndian.PutUint64(b[8:], e.NameLen)
	binary.LittleEndian.PutUint64(b[16:], e.Address)
	binary.LittleEndian.PutUint64(b[24:], e.Size)
}

// GetModuleEntry decodes a module entry from b.
func GetModuleEntry(b []byte) RawModuleEntry {
	return RawModuleEntry{
		Name:    binary.LittleEndian.Uint64(b[0:]),
		NameLen: binary.LittleEndian.Uint64(b[8:]),
		Address: binary.LittleEndian.Uint64(b[16:]),
		Size:    binary.LittleEndian.Uint64(b[24:]),
	}
}
