package bootloader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/handoff/protocol"
)

// ErrNoRequestSegment reports a kernel image with no segment carrying the
// reserved request tag. There is no contract to honor, so loading must stop.
var ErrNoRequestSegment = errors.New("kernel image has no request segment")

// FindRequest locates the request descriptor inside a kernel ELF image by
// scanning program headers for the reserved segment type, then verifies the
// signature. Any failure here is a load-time abort, before discovery starts.
func FindRequest(r io.ReaderAt) (protocol.Request, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return protocol.Request{}, fmt.Errorf("open kernel image: %w", err)
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.ProgType(protocol.SegmentType) {
			continue
		}
		if prog.Filesz < protocol.RequestSize {
			return protocol.Request{}, fmt.Errorf("%w: request segment holds %d bytes, need %d",
				protocol.ErrShortRequest, prog.Filesz, protocol.RequestSize)
		}
		buf := make([]byte, protocol.RequestSize)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return protocol.Request{}, fmt.Errorf("read request segment: %w", err)
		}
		req, err := protocol.ParseRequest(buf)
		if err != nil {
			return protocol.Request{}, err
		}
		return req, nil
	}
	return protocol.Request{}, ErrNoRequestSegment
}
