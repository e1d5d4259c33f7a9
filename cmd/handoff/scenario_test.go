package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/handoff/memmap"
	"github.com/tinyrange/handoff/protocol"
)

const testScenario = `
memory:
  base: 0
  size: 0x1000000
regions:
  - base: 0
    size: 0x1000000
    class: usable
  - base: 0x1000000
    size: 0x100000
    e820: 2
firmware:
  rsdp: 0xE0000
kernel:
  physicalAddress: 0x100000
  size: 0x10000
  virtualAddress: 0xFFFFFFFF80000000
  directMap: 0xFFFF800000000000
modules:
  - name: initrd
    path: initrd.img
version: 1
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "initrd.img"), bytes.Repeat([]byte{0x42}, 512), 0o644); err != nil {
		t.Fatalf("write module payload: %v", err)
	}
	return path
}

func TestLoadScenario(t *testing.T) {
	path := writeScenario(t, testScenario)

	sc, dir, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if dir != filepath.Dir(path) {
		t.Fatalf("dir = %q", dir)
	}
	if sc.Memory.Size != 0x1000000 {
		t.Fatalf("memory size = %#x", sc.Memory.Size)
	}
	if sc.Bootloader.Name != "handoff" || sc.Bootloader.Version != "dev" {
		t.Fatalf("defaults not applied: %q/%q", sc.Bootloader.Name, sc.Bootloader.Version)
	}

	m, err := sc.toMachine(dir, false)
	if err != nil {
		t.Fatalf("toMachine: %v", err)
	}
	if len(m.Regions) != 2 {
		t.Fatalf("regions = %+v", m.Regions)
	}
	if m.Regions[0].Class != memmap.ClassUsable {
		t.Fatalf("region 0 class = %v", m.Regions[0].Class)
	}
	if m.Regions[1].Class != memmap.ClassReserved {
		t.Fatalf("e820 type 2 mapped to %v, want reserved", m.Regions[1].Class)
	}
	if len(m.Modules) != 1 || m.Modules[0].Name != "initrd" || len(m.Modules[0].Data) != 512 {
		t.Fatalf("modules = %+v", m.Modules)
	}
	if m.RSDP != 0xE0000 || m.KernelPhysicalAddress != 0x100000 {
		t.Fatalf("machine fields = %#x/%#x", m.RSDP, m.KernelPhysicalAddress)
	}

	version, err := sc.requestedVersion(dir)
	if err != nil {
		t.Fatalf("requestedVersion: %v", err)
	}
	if version != protocol.Version1 {
		t.Fatalf("version = %d", version)
	}
}

func TestLoadScenarioMissingMemorySize(t *testing.T) {
	path := writeScenario(t, "regions: []\n")
	if _, _, err := loadScenario(path); err == nil {
		t.Fatal("loadScenario accepted a scenario without memory.size")
	}
}

func TestToMachineBadRegion(t *testing.T) {
	path := writeScenario(t, `
memory:
  size: 0x1000000
regions:
  - base: 0
    size: 0x1000000
`)
	sc, dir, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if _, err := sc.toMachine(dir, false); err == nil {
		t.Fatal("toMachine accepted a region with no class")
	}
}

func TestRequestedVersionDefaultsToLatest(t *testing.T) {
	path := writeScenario(t, "memory:\n  size: 0x1000\n")
	sc, dir, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	version, err := sc.requestedVersion(dir)
	if err != nil {
		t.Fatalf("requestedVersion: %v", err)
	}
	if version != protocol.LatestVersion {
		t.Fatalf("version = %d", version)
	}
}
