package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"dup-go/internal/backend"
	"dup-go/internal/dup"
)

// Backend operation names used by RecordingBackend.
const (
	OpList   = "list"
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpCreate = "create"
	OpTest   = "test"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected backend failure")

// Call is one recorded backend call.
type Call struct {
	Op   string
	Name string
	// Size is the payload size of a put.
	Size int64
}

type failure struct {
	op    string
	match string
	left  int
	err   error
}

// RecordingBackend wraps a MemoryBackend, records every call and can be
// told to fail calls. Safe for concurrent use.
type RecordingBackend struct {
	*backend.MemoryBackend

	mu       sync.Mutex
	calls    []Call
	failures []*failure
}

var _ dup.Backend = (*RecordingBackend)(nil)

// NewRecordingBackend creates an empty backend whose folder exists.
func NewRecordingBackend() *RecordingBackend {
	return &RecordingBackend{MemoryBackend: backend.NewMemoryBackend("test")}
}

// FailNext makes the next n calls of op whose name contains match return
// err (ErrInjected when nil). n < 0 fails forever.
func (b *RecordingBackend) FailNext(op, match string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, &failure{op: op, match: match, left: n, err: err})
}

// ClearFailures removes every pending injected failure.
func (b *RecordingBackend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

// Calls returns the recorded calls in order.
func (b *RecordingBackend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns how many calls of op were recorded.
func (b *RecordingBackend) Count(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets the recorded calls.
func (b *RecordingBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// PutSizes returns the sizes of recorded puts whose name contains match.
func (b *RecordingBackend) PutSizes(match string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int64
	for _, c := range b.calls {
		if c.Op == OpPut && strings.Contains(c.Name, match) {
			out = append(out, c.Size)
		}
	}
	return out
}

// Names lists the stored objects.
func (b *RecordingBackend) Names() []string {
	files, err := b.MemoryBackend.List(context.Background())
	if err != nil {
		return nil
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

func (b *RecordingBackend) record(op, name string) error {
	return b.recordSize(op, name, 0)
}

func (b *RecordingBackend) recordSize(op, name string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Op: op, Name: name, Size: size})
	for _, f := range b.failures {
		if f.op != op || f.left == 0 || !strings.Contains(name, f.match) {
			continue
		}
		if f.left > 0 {
			f.left--
		}
		return fmt.Errorf("%s %s: %w", op, name, f.err)
	}
	return nil
}

func (b *RecordingBackend) List(ctx context.Context) ([]dup.RemoteFile, error) {
	if err := b.record(OpList, ""); err != nil {
		return nil, err
	}
	return b.MemoryBackend.List(ctx)
}

func (b *RecordingBackend) Get(ctx context.Context, name string, w io.Writer) error {
	if err := b.record(OpGet, name); err != nil {
		return err
	}
	return b.MemoryBackend.Get(ctx, name, w)
}

func (b *RecordingBackend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := b.recordSize(OpPut, name, size); err != nil {
		return err
	}
	return b.MemoryBackend.Put(ctx, name, r, size)
}

func (b *RecordingBackend) Delete(ctx context.Context, name string) error {
	if err := b.record(OpDelete, name); err != nil {
		return err
	}
	return b.MemoryBackend.Delete(ctx, name)
}

func (b *RecordingBackend) CreateFolder(ctx context.Context) error {
	if err := b.record(OpCreate, ""); err != nil {
		return err
	}
	return b.MemoryBackend.CreateFolder(ctx)
}

func (b *RecordingBackend) Test(ctx context.Context) error {
	if err := b.record(OpTest, ""); err != nil {
		return err
	}
	return b.MemoryBackend.Test(ctx)
}
