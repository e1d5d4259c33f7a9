//go:build unix

package gmem

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
