// Command handoff builds and inspects boot handoff memory images: it reads
// a kernel image's embedded request descriptor, constructs a response inside
// a flat memory image from a YAML machine scenario, and validates/dumps a
// response the way a consuming kernel would.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/handoff/bootloader"
	"github.com/tinyrange/handoff/gmem"
	"github.com/tinyrange/handoff/kernel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "handoff: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("missing command")
	}
	switch os.Args[1] {
	case "inspect":
		return runInspect(os.Args[2:])
	case "build":
		return runBuild(os.Args[2:])
	case "dump":
		return runDump(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: handoff <command> [flags]

commands:
  inspect <kernel-elf>   print the kernel's embedded request descriptor
  build   -scenario s.yaml -out mem.img
                         build a response memory image from a scenario
  dump    -addr 0x... -version N [-base 0x...] <mem.img>
                         validate and print a response from a memory image
`)
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect needs exactly one kernel image path")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := bootloader.FindRequest(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", label("api version:"), value(fmt.Sprintf("%d", req.APIVersion)))
	return nil
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	scenarioPath := fs.String("scenario", "", "machine scenario YAML")
	outPath := fs.String("out", "mem.img", "output memory image")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scenarioPath == "" {
		return fmt.Errorf("build needs -scenario")
	}
	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	sc, dir, err := loadScenario(*scenarioPath)
	if err != nil {
		return err
	}
	machine, err := sc.toMachine(dir, stdoutIsTerminal())
	if err != nil {
		return err
	}
	version, err := sc.requestedVersion(dir)
	if err != nil {
		return err
	}

	mem, err := gmem.OpenFile(*outPath, sc.Memory.Base, sc.Memory.Size)
	if err != nil {
		return err
	}
	defer mem.Close()

	// Place the kernel image bytes too, when the scenario names one. Loading
	// the kernel is the surrounding loader's job in a real boot; here it
	// keeps the image self-contained.
	if sc.Kernel.Image != "" {
		data, err := os.ReadFile(resolve(dir, sc.Kernel.Image))
		if err != nil {
			return fmt.Errorf("read kernel image: %w", err)
		}
		if machine.KernelSize == 0 {
			machine.KernelSize = uint64(len(data))
		}
		if _, err := mem.WriteAt(data, int64(machine.KernelPhysicalAddress)); err != nil {
			return fmt.Errorf("write kernel image: %w", err)
		}
	}

	info := bootloader.Info{Name: sc.Bootloader.Name, Version: sc.Bootloader.Version}
	result, err := bootloader.Build(mem, machine, info, version)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", label("image:"), value(*outPath))
	fmt.Printf("%s %s\n", label("version:"), value(fmt.Sprintf("%d", result.Version)))
	fmt.Printf("%s %s\n", label("response:"), value(fmt.Sprintf("%#x", result.ResponseAddr)))
	printEntries(result.Entries)
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	addrFlag := fs.String("addr", "", "response address (e.g. 0x7f000)")
	version := fs.Uint64("version", 0, "negotiated protocol version")
	base := fs.String("base", "0", "guest physical address of the image start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("dump needs exactly one memory image path")
	}
	if *addrFlag == "" {
		return fmt.Errorf("dump needs -addr")
	}
	addr, err := parseAddr(*addrFlag)
	if err != nil {
		return fmt.Errorf("bad -addr: %w", err)
	}
	baseAddr, err := parseAddr(*base)
	if err != nil {
		return fmt.Errorf("bad -base: %w", err)
	}

	info, err := os.Stat(fs.Arg(0))
	if err != nil {
		return err
	}
	mem, err := gmem.OpenFile(fs.Arg(0), baseAddr, uint64(info.Size()))
	if err != nil {
		return err
	}
	defer mem.Close()

	resp, err := kernel.Open(mem, addr, *version)
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}
