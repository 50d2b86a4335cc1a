//go:build !unix

package fs

import "io/fs"

func owner(info fs.FileInfo) (uid, gid int64, ok bool) {
	return 0, 0, false
}
