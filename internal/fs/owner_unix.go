//go:build unix

package fs

import (
	"io/fs"
	"syscall"
)

// owner extracts the Unix owner and group from a FileInfo.
func owner(info fs.FileInfo) (uid, gid int64, ok bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int64(stat.Uid), int64(stat.Gid), true
}
