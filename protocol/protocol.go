// Package protocol defines the shared surface of the boot handoff contract:
// the request descriptor a kernel embeds in its image, the signature and ELF
// segment tag the bootloader discovers it by, and the version negotiation
// policy. Response layouts live in the per-revision sub-packages rev0 and
// rev1; the two revisions are distinct record shapes and a consumer must use
// the decoder matching the negotiated version.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SegmentType is the reserved ELF program header type (p_type) marking the
// segment that contains the request descriptor inside a kernel image.
const SegmentType = 0x69B2BA6E

// Signature is the fixed bit pattern that opens every valid request
// descriptor. The match is exact: a single flipped bit means "not this
// protocol".
var Signature = [3]uint64{
	0x9FD3ACE8837FB105,
	0x5A1B4E86C2703D9E,
	0xE4D27C19F0B6A853,
}

// Protocol revisions. A bootloader implementing version V serves any request
// with a version <= V, constructing the response with the layout of the
// requested version.
const (
	Version0 uint64 = 0 // revision 0: range-encoded module kinds, RSDP mandatory
	Version1 uint64 = 1 // revision 1: direct map field, single module kind, RSDP optional

	LatestVersion = Version1
)

// RequestSize is the encoded size of a request descriptor: three signature
// words followed by the version word, little-endian.
const RequestSize = 32

var (
	// ErrBadSignature reports a request whose signature words do not match.
	ErrBadSignature = errors.New("request signature mismatch")
	// ErrShortRequest reports a request segment too small to hold a descriptor.
	ErrShortRequest = errors.New("request descriptor truncated")
	// ErrUnsupportedVersion reports a requested version newer than the
	// bootloader implements. Guessing a layout is never an option.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Request is the kernel's declaration of the protocol revision it was
// compiled against. It is a build-time constant on the kernel side; nothing
// ever mutates one at runtime.
type Request struct {
	APIVersion uint64
}

// ParseRequest decodes and verifies a request descriptor from the start of a
// request segment's bytes.
func ParseRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortRequest, len(b), RequestSize)
	}
	for i, want := range Signature {
		if got := binary.LittleEndian.Uint64(b[i*8:]); got != want {
			return Request{}, fmt.Errorf("%w: word %d is %#016x, want %#016x", ErrBadSignature, i, got, want)
		}
	}
	return Request{APIVersion: binary.LittleEndian.Uint64(b[24:])}, nil
}

// Encode renders the request descriptor exactly as it must appear inside the
// kernel's tagged ELF segment.
func (r Request) Encode() []byte {
	b := make([]byte, RequestSize)
	for i, w := range Signature {
		binary.LittleEndian.PutUint64(b[i*8:], w)
	}
	binary.LittleEndian.PutUint64(b[24:], r.APIVersion)
	return b
}

// Negotiate applies the version policy: a bootloader supporting up to
// `supported` serves any `requested <= supported` with the requested
// revision's layout, and must refuse anything newer.
func Negotiate(supported, requested uint64) error {
	if requested > supported {
		return fmt.Errorf("%w: kernel requests version %d, bootloader supports up to %d",
			ErrUnsupportedVersion, requested, supported)
	}
	return nil
}
