// Package compression implements the archive containers used for volumes.
// Every module writes a zip container; modules differ in the method used for
// compressible entries.
package compression

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ErrEntryNotFound is returned when an archive has no entry with the requested name.
var ErrEntryNotFound = errors.New("archive entry not found")

// Hint tells the writer whether a payload is worth compressing.
type Hint int

const (
	Default Hint = iota
	Compressible
	Noncompressible
)

var noncompressibleExtensions = map[string]bool{
	".7z": true, ".aac": true, ".avi": true, ".bz2": true, ".docx": true,
	".flac": true, ".gif": true, ".gz": true, ".heic": true, ".jar": true,
	".jpeg": true, ".jpg": true, ".lz4": true, ".mkv": true, ".mov": true,
	".mp3": true, ".mp4": true, ".ogg": true, ".png": true, ".rar": true,
	".tgz": true, ".webm": true, ".webp": true, ".xlsx": true, ".xz": true,
	".zip": true, ".zst": true,
}

// HintForPath guesses the hint for a source file from its extension.
func HintForPath(path string) Hint {
	if noncompressibleExtensions[strings.ToLower(filepath.Ext(path))] {
		return Noncompressible
	}
	return Default
}

// Module is a named compression module.
type Module struct {
	name   string
	method uint16
}

var modules = map[string]*Module{
	"zip":  {name: "zip", method: zip.Deflate},
	"zstd": {name: "zstd", method: zstd.ZipMethodWinZip},
}

// Lookup returns the module registered under name.
func Lookup(name string) (*Module, error) {
	m, ok := modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression module: %q", name)
	}
	return m, nil
}

// Names lists the registered module names in sorted order.
func Names() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name is the module tag used in volume filenames.
func (m *Module) Name() string {
	return m.name
}

// NewWriter starts an archive on w.
func (m *Module) NewWriter(w io.Writer) *Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	return &Writer{zw: zw, method: m.method}
}

// NewReader opens an archive of any module; the entry methods are self-describing.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	index := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		index[f.Name] = f
	}
	return &Reader{zr: zr, index: index}, nil
}

// Writer adds entries to an archive.
type Writer struct {
	zw     *zip.Writer
	method uint16
}

// Create starts a new entry. The returned writer is valid until the next
// call to Create or Close.
func (w *Writer) Create(name string, hint Hint) (io.Writer, error) {
	method := w.method
	if hint == Noncompressible {
		method = zip.Store
	}
	entry, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return nil, fmt.Errorf("creating archive entry %s: %w", name, err)
	}
	return entry, nil
}

// WriteEntry writes data as a single entry.
func (w *Writer) WriteEntry(name string, data []byte, hint Hint) error {
	entry, err := w.Create(name, hint)
	if err != nil {
		return err
	}
	if _, err := entry.Write(data); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", name, err)
	}
	return nil
}

// Close writes the central directory. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return nil
}

// Reader reads entries from an archive.
type Reader struct {
	zr    *zip.Reader
	index map[string]*zip.File
}

// Names returns every entry name in archive order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		names = append(names, f.Name)
	}
	return names
}

// Size returns the uncompressed size of an entry.
func (r *Reader) Size(name string) (int64, error) {
	f, ok := r.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return int64(f.UncompressedSize64), nil
}

// Open opens an entry for reading.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	f, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening archive entry %s: %w", name, err)
	}
	return rc, nil
}

// ReadFile reads a whole entry.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	rc, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading archive entry %s: %w", name, err)
	}
	return data, nil
}
