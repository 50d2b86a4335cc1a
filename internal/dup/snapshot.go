package dup

import (
	"context"
	"io"
	"time"

	"dup-go/internal/model"
)

// Metadata keys recorded for every entry.
const (
	MetaMode          = "unix:mode"
	MetaUID           = "unix:uid"
	MetaGID           = "unix:gid"
	MetaModTime       = "core:mtime"
	MetaSymlinkTarget = "core:symlink-target"
)

// SourceEntry is one item visited while walking the source.
type SourceEntry struct {
	Path     string
	Type     model.EntryType
	Size     int64
	ModTime  time.Time
	Metadata map[string]string
}

// Snapshot is a consistent view of the source tree.
type Snapshot interface {
	// Walk visits every entry under roots in pre-order. Errors for single
	// entries are passed to fn with the entry path set; returning an error
	// from fn stops the walk.
	Walk(ctx context.Context, roots []string, fn func(entry SourceEntry, err error) error) error

	// Open opens a regular file for reading.
	Open(path string) (io.ReadCloser, error)

	// Close releases the snapshot.
	Close() error
}
