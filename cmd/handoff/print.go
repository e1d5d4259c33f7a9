package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/handoff/kernel"
	"github.com/tinyrange/handoff/memmap"
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func paint(code, s string) string {
	if !stdoutIsTerminal() {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func label(s string) string { return paint("1", s) }  // bold
func value(s string) string { return paint("36", s) } // cyan
func dim(s string) string   { return paint("2", s) }  // faint

func classColor(c memmap.Class) string {
	switch c {
	case memmap.ClassUsable:
		return "32" // green
	case memmap.ClassReserved, memmap.ClassUnusable:
		return "31" // red
	case memmap.ClassKernel, memmap.ClassModule:
		return "35" // magenta
	case memmap.ClassBootloader:
		return "33" // yellow
	default:
		return "36"
	}
}

// pad right-pads s to width columns, counting display cells rather than
// bytes so colored fields line up.
func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func printEntries(entries []memmap.Entry) {
	fmt.Printf("%s\n", label("memory map:"))
	for _, e := range entries {
		name := paint(classColor(e.Class), e.Class.String())
		extra := ""
		if e.Class == memmap.ClassModule && e.Module >= 0 {
			extra = dim(fmt.Sprintf(" #%d", e.Module))
		}
		fmt.Printf("  %s %s %s%s\n",
			pad(fmt.Sprintf("%#012x", e.Base), 14),
			pad(fmt.Sprintf("+%#x", e.Size), 12),
			name, extra)
	}
}

func printResponse(r *kernel.Response) {
	fmt.Printf("%s %s %s\n", label("bootloader:"), value(r.BootloaderName), dim(r.BootloaderVersion))
	fmt.Printf("%s %s\n", label("version:"), value(strconv.FormatUint(r.Version, 10)))
	fmt.Printf("%s phys=%s virt=%s\n", label("kernel:"),
		value(fmt.Sprintf("%#x", r.KernelPhysicalAddress)),
		value(fmt.Sprintf("%#x", r.KernelVirtualAddress)))
	if r.DirectMap != 0 {
		fmt.Printf("%s %s\n", label("direct map:"), value(fmt.Sprintf("%#x", r.DirectMap)))
	}
	for _, table := range []struct {
		name string
		addr uint64
	}{
		{"rsdp", r.RSDP},
		{"smbios32", r.SMBIOS32},
		{"smbios64", r.SMBIOS64},
		{"uefi system table", r.UEFISystemTable},
	} {
		if table.addr == 0 {
			fmt.Printf("%s %s\n", label(table.name+":"), dim("not found"))
		} else {
			fmt.Printf("%s %s\n", label(table.name+":"), value(fmt.Sprintf("%#x", table.addr)))
		}
	}
	if len(r.UEFIMemoryMap) > 0 {
		fmt.Printf("%s %d bytes, descriptor size %d version %d\n", label("uefi memory map:"),
			len(r.UEFIMemoryMap), r.UEFIMemoryMapDescriptorSize, r.UEFIMemoryMapDescriptorVersion)
	}
	printEntries(r.MemoryMap)
	if len(r.Modules) > 0 {
		fmt.Printf("%s\n", label("modules:"))
		for i, m := range r.Modules {
			fmt.Printf("  %s %s %s\n",
				pad(fmt.Sprintf("#%d %s", i, value(m.Name)), 24),
				pad(fmt.Sprintf("%#012x", m.Address), 14),
				dim(fmt.Sprintf("%d bytes", m.Size)))
		}
	}
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
