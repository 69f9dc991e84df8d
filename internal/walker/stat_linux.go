//go:build linux

package walker

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// deviceInode returns the (device, inode) identity of path, following
// symlinks. Used for the cycle set and the mount-point filter.
func deviceInode(path string) (uint64, uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}

// statTimes extracts (access, inode-change) times from a FileInfo.
func statTimes(info os.FileInfo) (atime, ctime time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec), time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}
