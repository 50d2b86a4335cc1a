package dup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
)

// applyMetadata sets permissions, ownership and modification time recorded
// for an entry. Ownership changes that the process may not make are ignored.
// Symlinks only get ownership.
func applyMetadata(path string, meta map[string]string, symlink bool) error {
	if uid, gid, ok := ownerFromMetadata(meta); ok {
		if err := os.Lchown(path, uid, gid); err != nil && !errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("chown: %w", err)
		}
	}
	if symlink {
		return nil
	}
	if v, ok := meta[MetaMode]; ok {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", v, err)
		}
		if err := os.Chmod(path, fs.FileMode(mode).Perm()); err != nil {
			return fmt.Errorf("chmod: %w", err)
		}
	}
	if v, ok := meta[MetaModTime]; ok {
		mtime, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("invalid modification time %q: %w", v, err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			return fmt.Errorf("chtimes: %w", err)
		}
	}
	return nil
}

func ownerFromMetadata(meta map[string]string) (int, int, bool) {
	u, uok := meta[MetaUID]
	g, gok := meta[MetaGID]
	if !uok || !gok {
		return 0, 0, false
	}
	uid, err := strconv.Atoi(u)
	if err != nil {
		return 0, 0, false
	}
	gid, err := strconv.Atoi(g)
	if err != nil {
		return 0, 0, false
	}
	return uid, gid, true
}

// restoreSymlink creates the link recorded in meta at path.
func restoreSymlink(path string, meta map[string]string, overwrite bool) error {
	target, ok := meta[MetaSymlinkTarget]
	if !ok {
		return errors.New("symlink target not recorded")
	}
	if existing, err := os.Readlink(path); err == nil && existing == target {
		return nil
	}
	if _, err := os.Lstat(path); err == nil {
		if !overwrite {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return os.Symlink(target, path)
}
