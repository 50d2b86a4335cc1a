package volume

import (
	"encoding/json"
	"fmt"
	"strings"

	"dup-go/internal/blockhash"
	"dup-go/internal/compression"
)

const (
	indexVolumePrefix = "vol/"
	indexListPrefix   = "list/"
)

// IndexedVolume is the description of one Blocks volume inside an Index volume.
type IndexedVolume struct {
	Name   string       `json:"-"`
	Hash   string       `json:"volumehash"`
	Size   int64        `json:"volumesize"`
	Blocks []BlockEntry `json:"blocks"`
}

// IndexWriter builds an Index volume describing one or more Blocks volumes.
type IndexWriter struct {
	*archiveWriter
	current *IndexedVolume
	lists   map[string]bool
}

// NewIndexWriter opens an Index volume in dir.
func NewIndexWriter(dir string, name Name, module *compression.Module, manifest Manifest) (*IndexWriter, error) {
	aw, err := newArchiveWriter(dir, name, module, manifest)
	if err != nil {
		return nil, err
	}
	return &IndexWriter{archiveWriter: aw, lists: make(map[string]bool)}, nil
}

// Name returns the volume name.
func (w *IndexWriter) Name() Name {
	return w.name
}

// StartVolume begins the block listing for a Blocks volume.
func (w *IndexWriter) StartVolume(blockVolume string) {
	w.current = &IndexedVolume{Name: blockVolume}
}

// AddBlock records a block of the current Blocks volume.
func (w *IndexWriter) AddBlock(hash string, size int64) {
	w.current.Blocks = append(w.current.Blocks, BlockEntry{Hash: hash, Size: size})
}

// FinishVolume writes the listing for the current Blocks volume once its
// final (post-encryption) hash and size are known.
func (w *IndexWriter) FinishVolume(volumeHash string, volumeSize int64) error {
	if w.current == nil {
		return fmt.Errorf("no volume started")
	}
	w.current.Hash = volumeHash
	w.current.Size = volumeSize
	if w.current.Blocks == nil {
		w.current.Blocks = []BlockEntry{}
	}
	data, err := json.Marshal(w.current)
	if err != nil {
		return fmt.Errorf("encoding volume listing: %w", err)
	}
	if err := w.zw.WriteEntry(indexVolumePrefix+w.current.Name, data, compression.Compressible); err != nil {
		return err
	}
	w.current = nil
	return nil
}

// AddBlocklist stores a copy of a blocklist payload. Repeated hashes are ignored.
func (w *IndexWriter) AddBlocklist(hash string, payload []byte) error {
	if w.lists[hash] {
		return nil
	}
	entry, err := blockhash.FileName(hash)
	if err != nil {
		return err
	}
	if err := w.zw.WriteEntry(indexListPrefix+entry, payload, compression.Noncompressible); err != nil {
		return err
	}
	w.lists[hash] = true
	return nil
}

// Close seals the volume.
func (w *IndexWriter) Close() (*File, error) {
	if w.current != nil {
		w.abort()
		return nil, fmt.Errorf("volume listing for %s was not finished", w.current.Name)
	}
	return w.finish()
}

// Abort discards the volume.
func (w *IndexWriter) Abort() {
	w.abort()
}

// IndexReader reads an Index volume.
type IndexReader struct {
	*archiveReader
}

// OpenIndexVolume opens a downloaded, decrypted Index volume.
func OpenIndexVolume(path string) (*IndexReader, error) {
	ar, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	return &IndexReader{archiveReader: ar}, nil
}

// Volumes returns the Blocks volume listings.
func (r *IndexReader) Volumes() ([]IndexedVolume, error) {
	var vols []IndexedVolume
	for _, name := range r.zr.Names() {
		if !strings.HasPrefix(name, indexVolumePrefix) {
			continue
		}
		data, err := r.zr.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var v IndexedVolume
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding volume listing %s: %w", name, err)
		}
		v.Name = strings.TrimPrefix(name, indexVolumePrefix)
		vols = append(vols, v)
	}
	return vols, nil
}

// Blocklists returns the blocklist payloads keyed by blocklist hash.
func (r *IndexReader) Blocklists() (map[string][]byte, error) {
	lists := make(map[string][]byte)
	for _, name := range r.zr.Names() {
		if !strings.HasPrefix(name, indexListPrefix) {
			continue
		}
		hash, err := blockhash.FromFileName(strings.TrimPrefix(name, indexListPrefix))
		if err != nil {
			return nil, err
		}
		data, err := r.zr.ReadFile(name)
		if err != nil {
			return nil, err
		}
		lists[hash] = data
	}
	return lists, nil
}
