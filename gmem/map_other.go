//go:build !unix

package gmem

import "os"

// Mapping is not supported here; FileMemory falls back to positional I/O.
func mapFile(f *os.File, size uint64) ([]byte, error) {
	return nil, nil
}

func unmapFile(data []byte) error {
	return nil
}
