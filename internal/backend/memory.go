package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"dup-go/internal/dup"
)

// MemoryBackend is an in-memory implementation of the Backend interface.
// It is useful for testing and is safe for concurrent use.
type MemoryBackend struct {
	name    string
	mu      sync.RWMutex
	exists  bool
	objects map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend whose folder exists.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:    name,
		exists:  true,
		objects: make(map[string][]byte),
	}
}

// DropFolder removes the folder and everything in it.
func (m *MemoryBackend) DropFolder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = false
	m.objects = make(map[string][]byte)
}

// Bytes returns a copy of the named object, or nil if it does not exist.
func (m *MemoryBackend) Bytes(name string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[name]
	if !ok {
		return nil
	}
	return bytes.Clone(data)
}

// SetBytes replaces the named object without any checks.
func (m *MemoryBackend) SetBytes(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = bytes.Clone(data)
}

func (m *MemoryBackend) List(ctx context.Context) ([]dup.RemoteFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.exists {
		return nil, fmt.Errorf("memory backend %s: %w", m.name, dup.ErrFolderMissing)
	}
	out := make([]dup.RemoteFile, 0, len(m.objects))
	for name, data := range m.objects {
		out = append(out, dup.RemoteFile{Name: name, Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryBackend) Get(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	if !m.exists {
		m.mu.RUnlock()
		return fmt.Errorf("memory backend %s: %w", m.name, dup.ErrFolderMissing)
	}
	data, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, dup.ErrFileNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (m *MemoryBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("memory backend %s: %w", m.name, dup.ErrFolderMissing)
	}
	m.objects[name] = data
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("memory backend %s: %w", m.name, dup.ErrFolderMissing)
	}
	if _, ok := m.objects[name]; !ok {
		return fmt.Errorf("%s: %w", name, dup.ErrFileNotFound)
	}
	delete(m.objects, name)
	return nil
}

func (m *MemoryBackend) CreateFolder(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = true
	return nil
}

func (m *MemoryBackend) Test(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.exists {
		return fmt.Errorf("memory backend %s: %w", m.name, dup.ErrFolderMissing)
	}
	return nil
}

// Compile-time check that MemoryBackend implements dup.Backend interface
var _ dup.Backend = (*MemoryBackend)(nil)
