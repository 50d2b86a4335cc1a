// Package fs provides the source tree view backups walk: a live snapshot of
// the OS filesystem with ignore rules and per-entry metadata capture.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"dup-go/internal/dup"
	"dup-go/internal/model"
)

// Snapshot policies.
const (
	SnapshotOff      = "off"
	SnapshotAuto     = "auto"
	SnapshotRequired = "required"
)

// NewSnapshot returns a view of the source tree for the given policy. No OS
// snapshot provider is available, so "auto" falls back to a live walk and
// "required" is a configuration error.
func NewSnapshot(policy string, ignore []string, logger dup.Logger) (dup.Snapshot, error) {
	switch policy {
	case "", SnapshotOff, SnapshotAuto:
		if policy == SnapshotAuto && logger != nil {
			logger.Warn("filesystem snapshots are not supported, using a live walk")
		}
		return NewOSSnapshot(ignore), nil
	case SnapshotRequired:
		return nil, &dup.Error{Kind: dup.KindInvalidConfiguration, Msg: "filesystem snapshots are required but not supported on this system"}
	default:
		return nil, &dup.Error{Kind: dup.KindInvalidConfiguration, Msg: fmt.Sprintf("unknown snapshot policy %q", policy)}
	}
}

// OSSnapshot walks the live filesystem.
type OSSnapshot struct {
	ignore []string
}

var _ dup.Snapshot = (*OSSnapshot)(nil)

// NewOSSnapshot creates a live view that skips entries matching the given
// patterns and the patterns in each root's .dupignore file.
func NewOSSnapshot(ignore []string) *OSSnapshot {
	return &OSSnapshot{ignore: ignore}
}

// Walk visits every root and its descendants in lexical pre-order. Symlinks
// are recorded, never followed. Devices, pipes and sockets are skipped.
func (s *OSSnapshot) Walk(ctx context.Context, roots []string, fn func(dup.SourceEntry, error) error) error {
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolving absolute path: %w", err)
		}
		if err := s.walkRoot(ctx, abs, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *OSSnapshot) walkRoot(ctx context.Context, root string, fn func(dup.SourceEntry, error) error) error {
	filePatterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return fn(dup.SourceEntry{Path: root}, err)
	}
	patterns := append(append(append([]string(nil), defaultIgnorePatterns...), s.ignore...), filePatterns...)
	matcher := NewIgnoreMatcher(patterns)

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return fn(dup.SourceEntry{Path: p}, err)
			}
			// Unreadable directory: report it and keep going.
			if ferr := fn(dup.SourceEntry{Path: p}, err); ferr != nil {
				return ferr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p != root {
			rel, rerr := filepath.Rel(root, p)
			if rerr == nil && matcher.Match(rel, d.IsDir()) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return fn(dup.SourceEntry{Path: p}, err)
		}
		entry, ok, err := entryFor(p, info)
		if err != nil {
			return fn(dup.SourceEntry{Path: p}, err)
		}
		if !ok {
			return nil
		}
		return fn(entry, nil)
	})
}

func entryFor(p string, info fs.FileInfo) (dup.SourceEntry, bool, error) {
	e := dup.SourceEntry{
		Path:     p,
		ModTime:  info.ModTime().UTC(),
		Metadata: Metadata(info),
	}
	switch mode := info.Mode(); {
	case mode.IsDir():
		e.Type = model.EntryFolder
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return e, false, fmt.Errorf("reading link: %w", err)
		}
		e.Type = model.EntrySymlink
		e.Metadata[dup.MetaSymlinkTarget] = target
	case mode.IsRegular():
		e.Type = model.EntryFile
		e.Size = info.Size()
	default:
		return e, false, nil
	}
	return e, true, nil
}

// Open opens a regular file for reading.
func (s *OSSnapshot) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (s *OSSnapshot) Close() error { return nil }
