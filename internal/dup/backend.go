package dup

import (
	"context"
	"io"
)

// RemoteFile is one object reported by a backend listing.
type RemoteFile struct {
	Name string
	Size int64
}

// Backend is the pluggable remote storage capability.
// Implementations return errors wrapping ErrFolderMissing when the target
// folder or bucket does not exist, and ErrFileNotFound for missing objects.
type Backend interface {
	// List returns every object in the target folder.
	List(ctx context.Context) ([]RemoteFile, error)

	// Get writes the named object to w.
	Get(ctx context.Context, name string, w io.Writer) error

	// Put stores size bytes read from r under name, replacing any existing object.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Delete removes the named object.
	Delete(ctx context.Context, name string) error

	// CreateFolder creates the target folder or bucket.
	CreateFolder(ctx context.Context) error

	// Test verifies that the backend is reachable and the folder exists.
	Test(ctx context.Context) error
}
