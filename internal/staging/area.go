package staging

import (
	"fmt"
	"os"
	"sync"
)

// Area is a spool directory for volume files between sealing and upload,
// and for downloaded volumes while they are read. Files are tracked with
// their size so callers can apply backpressure when the spool grows past
// maxSize. This implementation is safe for concurrent use.
type Area struct {
	dir     string
	maxSize int64
	mu      sync.Mutex
	files   map[string]int64
}

// NewArea creates a fresh spool directory inside parent (or the system temp
// directory when parent is empty).
func NewArea(parent string, maxSize int64) (*Area, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0700); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "dup-staging-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Area{dir: dir, maxSize: maxSize, files: make(map[string]int64)}, nil
}

// Dir is the directory new spool files should be created in.
func (a *Area) Dir() string {
	return a.dir
}

// Add starts tracking a file in the spool.
func (a *Area) Add(path string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[path] = size
}

// Remove deletes a spool file (best-effort) and stops tracking it.
func (a *Area) Remove(path string) {
	os.Remove(path)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path)
}

// Usage returns the total size of tracked files.
func (a *Area) Usage() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, size := range a.files {
		total += size
	}
	return total
}

// Full reports whether tracked files exceed the configured size.
func (a *Area) Full() bool {
	return a.Usage() >= a.maxSize
}

// Close removes the spool directory and everything in it.
func (a *Area) Close() error {
	a.mu.Lock()
	a.files = make(map[string]int64)
	a.mu.Unlock()
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("removing staging directory: %w", err)
	}
	return nil
}
