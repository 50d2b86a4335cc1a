package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dup-go/internal/dup"
)

const tempPrefix = ".tmp-"

// FileSystemBackend stores every remote volume as a plain file in one
// directory. The directory is not created until CreateFolder is called, so a
// missing target is reported like any other remote store would.
type FileSystemBackend struct {
	name string
	root string
}

// NewFileSystemBackend creates a filesystem backend rooted at the given path.
func NewFileSystemBackend(name, root string) (*FileSystemBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem backend %s: root must be set", name)
	}
	return &FileSystemBackend{name: name, root: root}, nil
}

func (b *FileSystemBackend) List(ctx context.Context) ([]dup.RemoteFile, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, b.wrap(err, b.root)
	}
	var out []dup.RemoteFile
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, dup.RemoteFile{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *FileSystemBackend) Get(ctx context.Context, name string, w io.Writer) error {
	f, err := os.Open(b.path(name))
	if err != nil {
		return b.wrap(err, name)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}

// Put writes data from r using an atomic write (temp file + rename).
func (b *FileSystemBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	tmpFile, err := os.CreateTemp(b.root, tempPrefix+"*")
	if err != nil {
		return b.wrap(err, b.root)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, b.path(name)); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (b *FileSystemBackend) Delete(ctx context.Context, name string) error {
	if err := os.Remove(b.path(name)); err != nil {
		return b.wrap(err, name)
	}
	return nil
}

func (b *FileSystemBackend) CreateFolder(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", b.root, err)
	}
	return nil
}

// Test verifies that the root exists and is a directory.
func (b *FileSystemBackend) Test(ctx context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return b.wrap(err, b.root)
	}
	if !info.IsDir() {
		return fmt.Errorf("backend root is not a directory: %s", b.root)
	}
	return nil
}

func (b *FileSystemBackend) path(name string) string {
	return filepath.Join(b.root, filepath.Base(name))
}

// wrap maps a missing root to ErrFolderMissing and a missing file to
// ErrFileNotFound.
func (b *FileSystemBackend) wrap(err error, what string) error {
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if _, serr := os.Stat(b.root); serr != nil {
		return fmt.Errorf("filesystem backend %s: %w", b.name, dup.ErrFolderMissing)
	}
	return fmt.Errorf("%s: %w", what, dup.ErrFileNotFound)
}

// Compile-time check that FileSystemBackend implements dup.Backend interface
var _ dup.Backend = (*FileSystemBackend)(nil)
