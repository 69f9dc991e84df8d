//go:build linux

package search

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile memory-maps a plain file read-only for zero-copy matching.
func mapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
}

func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
