// Package handoff implements a one-shot boot handoff protocol between a
// bootloader and the kernel it loads. The kernel embeds a Request in a
// tagged segment of its image; the bootloader discovers it, negotiates a
// protocol revision, and delivers a Response describing the machine: the
// normalized memory map, firmware table locations, loaded modules, and
// where the kernel itself was placed.
//
// This package re-exports the high-level surface. The per-revision wire
// layouts live in protocol/rev0 and protocol/rev1, the memory map model in
// memmap, and the guest memory abstraction in gmem.
package handoff

import (
	"io"

	"github.com/tinyrange/handoff/bootloader"
	"github.com/tinyrange/handoff/gmem"
	"github.com/tinyrange/handoff/kernel"
	"github.com/tinyrange/handoff/protocol"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the implementation packages
// -----------------------------------------------------------------------------

// Request is the kernel's embedded protocol declaration.
type Request = protocol.Request

// Machine describes the discovered machine state fed to Build.
type Machine = bootloader.Machine

// Module is a file loaded on the kernel's behalf.
type Module = bootloader.Module

// Info identifies the bootloader in the response.
type Info = bootloader.Info

// Result reports what Build placed and where.
type Result = bootloader.Result

// Response is the validated, owned view a kernel gets from Open.
type Response = kernel.Response

// Memory is a window of guest physical memory.
type Memory = gmem.Memory

// Protocol revisions.
const (
	Version0      = protocol.Version0
	Version1      = protocol.Version1
	LatestVersion = protocol.LatestVersion
)

// Common sentinel errors.
var (
	ErrBadSignature       = protocol.ErrBadSignature
	ErrUnsupportedVersion = protocol.ErrUnsupportedVersion
	ErrNoRequestSegment   = bootloader.ErrNoRequestSegment
	ErrInvalidResponse    = kernel.ErrInvalidResponse
)

// FindRequest locates and verifies the request descriptor in a kernel ELF
// image.
func FindRequest(r io.ReaderAt) (Request, error) {
	return bootloader.FindRequest(r)
}

// Build constructs a response for the requested protocol version inside mem.
func Build(mem Memory, m *Machine, info Info, version uint64) (*Result, error) {
	return bootloader.Build(mem, m, info, version)
}

// Open validates and copies out the response at addr.
func Open(mem Memory, addr uint64, version uint64) (*Response, error) {
	return kernel.Open(mem, addr, version)
}
