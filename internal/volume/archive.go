package volume

import (
	"fmt"
	"io"
	"os"

	"dup-go/internal/compression"
)

// File is a sealed volume on local disk, ready to be handed to the backend.
type File struct {
	Name Name
	Path string
	Size int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// archiveWriter owns the temporary file behind every volume writer.
type archiveWriter struct {
	name    Name
	file    *os.File
	counter *countingWriter
	zw      *compression.Writer
}

func newArchiveWriter(dir string, name Name, module *compression.Module, manifest Manifest) (*archiveWriter, error) {
	f, err := os.CreateTemp(dir, "dup-vol-*")
	if err != nil {
		return nil, fmt.Errorf("creating volume file: %w", err)
	}
	counter := &countingWriter{w: f}
	w := &archiveWriter{name: name, file: f, counter: counter, zw: module.NewWriter(counter)}

	data, err := manifest.marshal()
	if err != nil {
		w.abort()
		return nil, err
	}
	if err := w.zw.WriteEntry(manifestEntry, data, compression.Compressible); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *archiveWriter) finish() (*File, error) {
	if err := w.zw.Close(); err != nil {
		w.abort()
		return nil, err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return nil, fmt.Errorf("closing volume file: %w", err)
	}
	return &File{Name: w.name, Path: w.file.Name(), Size: w.counter.n}, nil
}

func (w *archiveWriter) abort() {
	w.file.Close()
	os.Remove(w.file.Name())
}

// archiveReader owns the open file behind every volume reader.
type archiveReader struct {
	file     *os.File
	zr       *compression.Reader
	manifest Manifest
}

func openArchive(path string) (*archiveReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening volume file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat volume file: %w", err)
	}
	zr, err := compression.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := zr.ReadFile(manifestEntry)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := parseManifest(data)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &archiveReader{file: f, zr: zr, manifest: m}, nil
}

// Manifest returns the parameters the volume was written with.
func (r *archiveReader) Manifest() Manifest {
	return r.manifest
}

// Close releases the underlying file.
func (r *archiveReader) Close() error {
	return r.file.Close()
}
