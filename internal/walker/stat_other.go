//go:build !linux

package walker

import (
	"os"
	"time"
)

// deviceInode degrades to a zero identity on platforms without a stable
// (device, inode) stat; cycle detection then relies on the depth ceiling.
func deviceInode(path string) (uint64, uint64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, 0, err
	}
	return 0, 0, os.ErrInvalid
}

func statTimes(info os.FileInfo) (atime, ctime time.Time) {
	return info.ModTime(), info.ModTime()
}
