//go:build !linux

package search

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("mmap not supported on this platform")

// mapFile always fails here; callers fall back to streamed reads.
func mapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errNoMmap
}

func unmapFile(data []byte) error {
	return nil
}
