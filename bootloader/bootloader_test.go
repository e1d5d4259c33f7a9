package bootloader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/handoff/gmem"
	"github.com/tinyrange/handoff/memmap"
	"github.com/tinyrange/handoff/protocol"
	"github.com/tinyrange/handoff/protocol/rev0"
	"github.com/tinyrange/handoff/protocol/rev1"
)

// kernelImage builds a minimal ELF64 executable with a single program header
// of the given type whose file contents are payload.
func kernelImage(t *testing.T, ptype uint32, payload []byte) []byte {
	t.Helper()
	const ehSize, phSize = 64, 56
	dataOff := uint64(ehSize + phSize)
	img := make([]byte, dataOff+uint64(len(payload)))
	le := binary.LittleEndian

	copy(img, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1}) // ELF64, little-endian
	le.PutUint16(img[16:], 2)                       // ET_EXEC
	le.PutUint16(img[18:], 62)                      // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[32:], ehSize) // e_phoff
	le.PutUint16(img[52:], ehSize)
	le.PutUint16(img[54:], phSize)
	le.PutUint16(img[56:], 1) // e_phnum

	ph := img[ehSize:]
	le.PutUint32(ph[0:], ptype)
	le.PutUint64(ph[8:], dataOff) // p_offset
	le.PutUint64(ph[32:], uint64(len(payload)))
	le.PutUint64(ph[40:], uint64(len(payload)))
	le.PutUint64(ph[48:], 8)

	copy(img[dataOff:], payload)
	return img
}

func TestFindRequest(t *testing.T) {
	req := protocol.Request{APIVersion: protocol.Version1}
	img := kernelImage(t, protocol.SegmentType, req.Encode())

	got, err := FindRequest(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("FindRequest: %v", err)
	}
	if got.APIVersion != protocol.Version1 {
		t.Fatalf("APIVersion = %d, want %d", got.APIVersion, protocol.Version1)
	}
}

func TestFindRequestMissingSegment(t *testing.T) {
	img := kernelImage(t, 1 /* PT_LOAD */, protocol.Request{}.Encode())
	if _, err := FindRequest(bytes.NewReader(img)); !errors.Is(err, ErrNoRequestSegment) {
		t.Fatalf("err = %v, want ErrNoRequestSegment", err)
	}
}

func TestFindRequestBadSignature(t *testing.T) {
	payload := protocol.Request{}.Encode()
	payload[5] ^= 0x01
	img := kernelImage(t, protocol.SegmentType, payload)
	if _, err := FindRequest(bytes.NewReader(img)); !errors.Is(err, protocol.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestFindRequestShortSegment(t *testing.T) {
	payload := protocol.Request{}.Encode()[:16]
	img := kernelImage(t, protocol.SegmentType, payload)
	if _, err := FindRequest(bytes.NewReader(img)); !errors.Is(err, protocol.ErrShortRequest) {
		t.Fatalf("err = %v, want ErrShortRequest", err)
	}
}

func testMachine() *Machine {
	return &Machine{
		Regions: []memmap.RawRegion{
			{Class: memmap.ClassUsable, Base: 0, Size: 16 << 20},
			{Class: memmap.ClassReserved, Base: 16 << 20, Size: 1 << 20},
		},
		RSDP:                           0xE0000,
		SMBIOS64:                       0xF0000,
		UEFIMemoryMap:                  bytes.Repeat([]byte{0xA5}, 96),
		UEFIMemoryMapDescriptorSize:    48,
		UEFIMemoryMapDescriptorVersion: 1,
		KernelPhysicalAddress:          0x100000,
		KernelSize:                     0x10000,
		KernelVirtualAddress:           0xFFFFFFFF80000000,
		DirectMap:                      0xFFFF800000000000,
		Modules: []Module{
			{Name: "initrd", Data: bytes.Repeat([]byte{0x11}, 0x2005)},
		},
	}
}

var testInfo = Info{Name: "testloader", Version: "0.1.0"}

func findEntry(entries []memmap.Entry, class memmap.Class, base uint64) *memmap.Entry {
	for i := range entries {
		if entries[i].Class == class && entries[i].Base == base {
			return &entries[i]
		}
	}
	return nil
}

func TestBuildVersion1(t *testing.T) {
	mem := gmem.NewBuffer(0, 16<<20)
	m := testMachine()

	result, err := Build(mem, m, testInfo, protocol.Version1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.Version != protocol.Version1 {
		t.Fatalf("Version = %d", result.Version)
	}
	if err := memmap.Validate(result.Entries); err != nil {
		t.Fatalf("final map invalid: %v", err)
	}

	kernel := findEntry(result.Entries, memmap.ClassKernel, m.KernelPhysicalAddress)
	if kernel == nil {
		t.Fatal("no kernel entry in the final map")
	}
	if kernel.Size != m.KernelSize {
		t.Fatalf("kernel entry size = %#x, want %#x", kernel.Size, m.KernelSize)
	}

	if len(result.ModuleAddrs) != 1 {
		t.Fatalf("ModuleAddrs = %v", result.ModuleAddrs)
	}
	modEntry := findEntry(result.Entries, memmap.ClassModule, result.ModuleAddrs[0])
	if modEntry == nil {
		t.Fatal("no module entry in the final map")
	}
	if modEntry.Module != 0 {
		t.Fatalf("module entry index = %d", modEntry.Module)
	}
	modData := make([]byte, len(m.Modules[0].Data))
	if _, err := mem.ReadAt(modData, int64(result.ModuleAddrs[0])); err != nil {
		t.Fatalf("read module bytes: %v", err)
	}
	if !bytes.Equal(modData, m.Modules[0].Data) {
		t.Fatal("module bytes corrupted in guest memory")
	}

	raw := make([]byte, rev1.ResponseSize)
	if _, err := mem.ReadAt(raw, int64(result.ResponseAddr)); err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := rev1.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.KernelPhysicalAddress != m.KernelPhysicalAddress ||
		resp.KernelVirtualAddress != m.KernelVirtualAddress ||
		resp.DirectMap != m.DirectMap {
		t.Fatalf("kernel placement fields wrong: %+v", resp)
	}
	if resp.RSDPTable != m.RSDP || resp.SMBIOSEntry64 != m.SMBIOS64 {
		t.Fatalf("firmware table fields wrong: %+v", resp)
	}
	if resp.MemoryMapEntryCount != uint64(len(result.Entries)) {
		t.Fatalf("map count = %d, want %d", resp.MemoryMapEntryCount, len(result.Entries))
	}
	if resp.ModuleEntryCount != 1 {
		t.Fatalf("module count = %d", resp.ModuleEntryCount)
	}

	name := make([]byte, resp.BootloaderNameLen)
	if _, err := mem.ReadAt(name, int64(resp.BootloaderName)); err != nil {
		t.Fatalf("read bootloader name: %v", err)
	}
	if string(name) != testInfo.Name {
		t.Fatalf("bootloader name = %q", name)
	}

	tbl := make([]byte, protocol.ModuleEntrySize)
	if _, err := mem.ReadAt(tbl, int64(resp.ModuleEntries)); err != nil {
		t.Fatalf("read module table: %v", err)
	}
	ent := protocol.GetModuleEntry(tbl)
	if ent.Address != result.ModuleAddrs[0] || ent.Size != uint64(len(m.Modules[0].Data)) {
		t.Fatalf("module table entry = %+v", ent)
	}
	modName := make([]byte, ent.NameLen)
	if _, err := mem.ReadAt(modName, int64(ent.Name)); err != nil {
		t.Fatalf("read module name: %v", err)
	}
	if string(modName) != "initrd" {
		t.Fatalf("module name = %q", modName)
	}

	for i, e := range result.Entries {
		buf := make([]byte, protocol.MemoryMapEntrySize)
		off := int64(resp.MemoryMapEntries + uint64(i)*protocol.MemoryMapEntrySize)
		if _, err := mem.ReadAt(buf, off); err != nil {
			t.Fatalf("read map entry %d: %v", i, err)
		}
		wire := protocol.GetMapEntry(buf)
		if wire.Base != e.Base || wire.Size != e.Size {
			t.Fatalf("map entry %d = %+v, want [%#x, +%#x)", i, wire, e.Base, e.Size)
		}
		wantKind, err := rev1.KindForClass(e.Class)
		if err != nil {
			t.Fatalf("map entry %d: %v", i, err)
		}
		if wire.Kind != wantKind {
			t.Fatalf("map entry %d kind = %d, want %d", i, wire.Kind, wantKind)
		}
	}

	uefi := make([]byte, resp.UEFIMemoryMapSize)
	if _, err := mem.ReadAt(uefi, int64(resp.UEFIMemoryMap)); err != nil {
		t.Fatalf("read UEFI map copy: %v", err)
	}
	if !bytes.Equal(uefi, m.UEFIMemoryMap) {
		t.Fatal("UEFI map copy corrupted")
	}
}

func TestBuildVersion0SyntheticKinds(t *testing.T) {
	mem := gmem.NewBuffer(0, 16<<20)
	m := testMachine()

	result, err := Build(mem, m, testInfo, protocol.Version0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw := make([]byte, rev0.ResponseSize)
	if _, err := mem.ReadAt(raw, int64(result.ResponseAddr)); err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := rev0.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}

	kindAt := make(map[uint64]uint64) // kind -> base, for kinds seen once
	seen := make(map[uint64]int)
	for i := uint64(0); i < resp.MemoryMapEntryCount; i++ {
		buf := make([]byte, protocol.MemoryMapEntrySize)
		off := int64(resp.MemoryMapEntries + i*protocol.MemoryMapEntrySize)
		if _, err := mem.ReadAt(buf, off); err != nil {
			t.Fatalf("read map entry %d: %v", i, err)
		}
		wire := protocol.GetMapEntry(buf)
		seen[wire.Kind]++
		kindAt[wire.Kind] = wire.Base
	}

	singles := []struct {
		name string
		kind uint64
		base uint64
	}{
		{"uefi map", rev0.KindUEFIMemoryMap, resp.UEFIMemoryMap},
		{"map array", rev0.KindMemoryMap, resp.MemoryMapEntries},
		{"module table", rev0.KindModuleDescriptors, resp.ModuleEntries},
		{"kernel", rev0.KindKernel, m.KernelPhysicalAddress},
		{"module 0", rev0.KindModuleStart, result.ModuleAddrs[0]},
	}
	for _, s := range singles {
		if seen[s.kind] != 1 {
			t.Errorf("%s: kind %#x appears %d times, want 1", s.name, s.kind, seen[s.kind])
			continue
		}
		if kindAt[s.kind] != s.base {
			t.Errorf("%s: kind %#x at %#x, want %#x", s.name, s.kind, kindAt[s.kind], s.base)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*Machine)
		info      Info
		requested uint64
		wantErr   error
	}{
		{
			name:      "missing identity",
			mutate:    func(m *Machine) {},
			info:      Info{Name: "", Version: "0.1.0"},
			requested: protocol.Version1,
		},
		{
			name:      "kernel placement unset",
			mutate:    func(m *Machine) { m.KernelPhysicalAddress = 0 },
			info:      testInfo,
			requested: protocol.Version1,
		},
		{
			name:      "kernel not page aligned",
			mutate:    func(m *Machine) { m.KernelPhysicalAddress = 0x100001 },
			info:      testInfo,
			requested: protocol.Version1,
		},
		{
			name:      "kernel size wraps page rounding",
			mutate:    func(m *Machine) { m.KernelSize = 0xFFFFFFFFFFFFF001 },
			info:      testInfo,
			requested: protocol.Version1,
		},
		{
			name:      "rsdp required by revision 0",
			mutate:    func(m *Machine) { m.RSDP = 0 },
			info:      testInfo,
			requested: protocol.Version0,
		},
		{
			name:      "version too new",
			mutate:    func(m *Machine) {},
			info:      testInfo,
			requested: protocol.LatestVersion + 1,
			wantErr:   protocol.ErrUnsupportedVersion,
		},
		{
			name:      "kernel outside usable memory",
			mutate:    func(m *Machine) { m.KernelPhysicalAddress = 0x40000000 },
			info:      testInfo,
			requested: protocol.Version1,
		},
		{
			name:      "empty module",
			mutate:    func(m *Machine) { m.Modules = []Module{{Name: "empty"}} },
			info:      testInfo,
			requested: protocol.Version1,
		},
		{
			name:      "no usable memory",
			mutate:    func(m *Machine) { m.Regions = nil },
			info:      testInfo,
			requested: protocol.Version1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := gmem.NewBuffer(0, 16<<20)
			m := testMachine()
			tc.mutate(m)
			_, err := Build(mem, m, tc.info, tc.requested)
			if err == nil {
				t.Fatal("Build succeeded, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBuildNoModulesNoUEFIMap(t *testing.T) {
	mem := gmem.NewBuffer(0, 16<<20)
	m := testMachine()
	m.Modules = nil
	m.UEFIMemoryMap = nil
	m.UEFIMemoryMapDescriptorSize = 0
	m.UEFIMemoryMapDescriptorVersion = 0

	result, err := Build(mem, m, testInfo, protocol.Version1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw := make([]byte, rev1.ResponseSize)
	if _, err := mem.ReadAt(raw, int64(result.ResponseAddr)); err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := rev1.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ModuleEntries != 0 || resp.ModuleEntryCount != 0 {
		t.Fatalf("module fields = %#x/%d, want null", resp.ModuleEntries, resp.ModuleEntryCount)
	}
	if resp.UEFIMemoryMap != 0 || resp.UEFIMemoryMapSize != 0 {
		t.Fatalf("UEFI map fields = %#x/%d, want null", resp.UEFIMemoryMap, resp.UEFIMemoryMapSize)
	}
}
