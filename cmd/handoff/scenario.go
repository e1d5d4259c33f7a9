package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/handoff/bootloader"
	"github.com/tinyrange/handoff/memmap"
	"github.com/tinyrange/handoff/protocol"
)

// Scenario describes a synthetic machine state on disk. Relative paths are
// resolved against the scenario file's directory.
type Scenario struct {
	Memory struct {
		Base uint64 `yaml:"base"`
		Size uint64 `yaml:"size"`
	} `yaml:"memory"`

	Regions []RegionConfig `yaml:"regions"`

	Firmware struct {
		RSDP              uint64 `yaml:"rsdp,omitempty"`
		SMBIOS32          uint64 `yaml:"smbios32,omitempty"`
		SMBIOS64          uint64 `yaml:"smbios64,omitempty"`
		UEFISystemTable   uint64 `yaml:"uefiSystemTable,omitempty"`
		UEFIMemoryMap     string `yaml:"uefiMemoryMap,omitempty"` // path to raw map bytes
		DescriptorSize    uint64 `yaml:"descriptorSize,omitempty"`
		DescriptorVersion uint64 `yaml:"descriptorVersion,omitempty"`
	} `yaml:"firmware"`

	Kernel struct {
		Image           string `yaml:"image,omitempty"`
		PhysicalAddress uint64 `yaml:"physicalAddress"`
		Size            uint64 `yaml:"size,omitempty"`
		VirtualAddress  uint64 `yaml:"virtualAddress"`
		DirectMap       uint64 `yaml:"directMap,omitempty"`
	} `yaml:"kernel"`

	Modules []struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	} `yaml:"modules"`

	Bootloader struct {
		Name    string `yaml:"name,omitempty"`
		Version string `yaml:"version,omitempty"`
	} `yaml:"bootloader"`

	// Version forces a protocol revision. When absent the revision comes
	// from the kernel image's request descriptor, or the latest.
	Version *uint64 `yaml:"version,omitempty"`
}

// RegionConfig is one raw firmware region. Class takes the taxonomy names
// ("usable", "reserved", ...); alternatively an e820 type number can be
// given for BIOS-flavoured scenarios.
type RegionConfig struct {
	Base  uint64  `yaml:"base"`
	Size  uint64  `yaml:"size"`
	Class string  `yaml:"class,omitempty"`
	E820  *uint32 `yaml:"e820,omitempty"`
}

func loadScenario(path string) (*Scenario, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, "", fmt.Errorf("parse scenario: %w", err)
	}
	sc.normalize()
	if sc.Memory.Size == 0 {
		return nil, "", fmt.Errorf("scenario must set memory.size")
	}
	return &sc, filepath.Dir(path), nil
}

func (s *Scenario) normalize() {
	if s.Bootloader.Name == "" {
		s.Bootloader.Name = "handoff"
	}
	if s.Bootloader.Version == "" {
		s.Bootloader.Version = "dev"
	}
}

// toMachine resolves the scenario into a bootloader.Machine, loading module
// payloads from disk with a byte progress bar per module.
func (s *Scenario) toMachine(dir string, showProgress bool) (*bootloader.Machine, error) {
	m := &bootloader.Machine{
		SMBIOS32:                       s.Firmware.SMBIOS32,
		SMBIOS64:                       s.Firmware.SMBIOS64,
		RSDP:                           s.Firmware.RSDP,
		UEFISystemTable:                s.Firmware.UEFISystemTable,
		UEFIMemoryMapDescriptorSize:    s.Firmware.DescriptorSize,
		UEFIMemoryMapDescriptorVersion: s.Firmware.DescriptorVersion,
		KernelPhysicalAddress:          s.Kernel.PhysicalAddress,
		KernelSize:                     s.Kernel.Size,
		KernelVirtualAddress:           s.Kernel.VirtualAddress,
		DirectMap:                      s.Kernel.DirectMap,
	}

	for i, r := range s.Regions {
		switch {
		case r.E820 != nil:
			m.Regions = append(m.Regions, memmap.FromE820(r.Base, r.Size, *r.E820))
		case r.Class != "":
			class, err := memmap.ParseClass(r.Class)
			if err != nil {
				return nil, fmt.Errorf("region %d: %w", i, err)
			}
			m.Regions = append(m.Regions, memmap.RawRegion{Class: class, Base: r.Base, Size: r.Size})
		default:
			return nil, fmt.Errorf("region %d needs a class or e820 type", i)
		}
	}

	if s.Firmware.UEFIMemoryMap != "" {
		data, err := os.ReadFile(resolve(dir, s.Firmware.UEFIMemoryMap))
		if err != nil {
			return nil, fmt.Errorf("read UEFI memory map: %w", err)
		}
		m.UEFIMemoryMap = data
	}

	for _, mod := range s.Modules {
		data, err := loadModule(resolve(dir, mod.Path), mod.Name, showProgress)
		if err != nil {
			return nil, err
		}
		m.Modules = append(m.Modules, bootloader.Module{Name: mod.Name, Data: data})
	}

	return m, nil
}

func loadModule(path, name string, showProgress bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open module %q: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat module %q: %w", name, err)
	}

	var buf bytes.Buffer
	var reader io.Reader = f
	if showProgress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", name))
		defer bar.Close()
		reader = io.TeeReader(f, bar)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("read module %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// requestedVersion decides the protocol revision: an explicit scenario
// override wins, then the kernel image's request descriptor, then latest.
func (s *Scenario) requestedVersion(dir string) (uint64, error) {
	if s.Version != nil {
		return *s.Version, nil
	}
	if s.Kernel.Image != "" {
		f, err := os.Open(resolve(dir, s.Kernel.Image))
		if err != nil {
			return 0, fmt.Errorf("open kernel image: %w", err)
		}
		defer f.Close()
		req, err := bootloader.FindRequest(f)
		if err != nil {
			return 0, err
		}
		return req.APIVersion, nil
	}
	return protocol.LatestVersion, nil
}
