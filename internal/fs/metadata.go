package fs

import (
	"io/fs"
	"strconv"
	"time"

	"dup-go/internal/dup"
)

// Metadata captures the attributes restore applies again: permission bits,
// modification time and, where the platform exposes them, owner and group.
func Metadata(info fs.FileInfo) map[string]string {
	meta := map[string]string{
		dup.MetaMode:    strconv.FormatUint(uint64(info.Mode().Perm()), 8),
		dup.MetaModTime: info.ModTime().UTC().Format(time.RFC3339Nano),
	}
	if uid, gid, ok := owner(info); ok {
		meta[dup.MetaUID] = strconv.FormatInt(uid, 10)
		meta[dup.MetaGID] = strconv.FormatInt(gid, 10)
	}
	return meta
}
