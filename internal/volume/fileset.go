package volume

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"dup-go/internal/compression"
)

const (
	filelistEntry      = "filelist.json"
	filesetEntry       = "fileset"
	controlEntryPrefix = "control/"
)

// FilelistEntry is one path recorded in a Files volume.
type FilelistEntry struct {
	Type           string   `json:"type"`
	Path           string   `json:"path"`
	Hash           string   `json:"hash,omitempty"`
	Size           int64    `json:"size"`
	Time           string   `json:"time,omitempty"`
	MetaHash       string   `json:"metahash,omitempty"`
	MetaSize       int64    `json:"metasize"`
	MetaBlockHash  string   `json:"metablockhash,omitempty"`
	MetaBlocklists []string `json:"metablocklists,omitempty"`
	BlockHash      string   `json:"blockhash,omitempty"`
	Blocklists     []string `json:"blocklists,omitempty"`
}

type filesetInfo struct {
	IsFull bool `json:"isfull"`
}

// FilesetWriter builds a Files volume.
type FilesetWriter struct {
	*archiveWriter
	entries []FilelistEntry
	full    bool
}

// NewFilesetWriter opens a Files volume in dir.
func NewFilesetWriter(dir string, name Name, module *compression.Module, manifest Manifest) (*FilesetWriter, error) {
	aw, err := newArchiveWriter(dir, name, module, manifest)
	if err != nil {
		return nil, err
	}
	return &FilesetWriter{archiveWriter: aw, full: true}, nil
}

// Name returns the volume name.
func (w *FilesetWriter) Name() Name {
	return w.name
}

// SetFull marks whether the fileset covers the complete source.
func (w *FilesetWriter) SetFull(full bool) {
	w.full = full
}

// AddEntry records a path.
func (w *FilesetWriter) AddEntry(e FilelistEntry) {
	w.entries = append(w.entries, e)
}

// AddControlFile stores an opaque control file.
func (w *FilesetWriter) AddControlFile(name string, r io.Reader) error {
	entry, err := w.zw.Create(controlEntryPrefix+name, compression.Default)
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, r); err != nil {
		return fmt.Errorf("writing control file %s: %w", name, err)
	}
	return nil
}

// Close writes the file list and seals the volume.
func (w *FilesetWriter) Close() (*File, error) {
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].Path < w.entries[j].Path })
	if w.entries == nil {
		w.entries = []FilelistEntry{}
	}
	list, err := json.Marshal(w.entries)
	if err != nil {
		w.abort()
		return nil, fmt.Errorf("encoding file list: %w", err)
	}
	if err := w.zw.WriteEntry(filelistEntry, list, compression.Compressible); err != nil {
		w.abort()
		return nil, err
	}
	info, err := json.Marshal(filesetInfo{IsFull: w.full})
	if err != nil {
		w.abort()
		return nil, fmt.Errorf("encoding fileset info: %w", err)
	}
	if err := w.zw.WriteEntry(filesetEntry, info, compression.Compressible); err != nil {
		w.abort()
		return nil, err
	}
	return w.finish()
}

// Abort discards the volume.
func (w *FilesetWriter) Abort() {
	w.abort()
}

// FilesetReader reads a Files volume.
type FilesetReader struct {
	*archiveReader
}

// OpenFilesetVolume opens a downloaded, decrypted Files volume.
func OpenFilesetVolume(path string) (*FilesetReader, error) {
	ar, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	return &FilesetReader{archiveReader: ar}, nil
}

// Entries returns every recorded path.
func (r *FilesetReader) Entries() ([]FilelistEntry, error) {
	data, err := r.zr.ReadFile(filelistEntry)
	if err != nil {
		return nil, err
	}
	var entries []FilelistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding file list: %w", err)
	}
	return entries, nil
}

// IsFull reports whether the fileset covers the complete source.
// Volumes without fileset info are treated as full.
func (r *FilesetReader) IsFull() bool {
	data, err := r.zr.ReadFile(filesetEntry)
	if err != nil {
		return true
	}
	var info filesetInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return true
	}
	return info.IsFull
}

// ControlFiles lists the stored control file names.
func (r *FilesetReader) ControlFiles() []string {
	var names []string
	for _, name := range r.zr.Names() {
		if strings.HasPrefix(name, controlEntryPrefix) {
			names = append(names, strings.TrimPrefix(name, controlEntryPrefix))
		}
	}
	return names
}

// OpenControlFile opens a stored control file.
func (r *FilesetReader) OpenControlFile(name string) (io.ReadCloser, error) {
	return r.zr.Open(controlEntryPrefix + name)
}
