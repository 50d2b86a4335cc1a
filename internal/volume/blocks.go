package volume

import (
	"fmt"
	"strings"

	"dup-go/internal/blockhash"
	"dup-go/internal/compression"
)

// BlockEntry is a block listed in a Blocks or Index volume.
type BlockEntry struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// BlockWriter accumulates blocks into a Blocks volume.
type BlockWriter struct {
	*archiveWriter
	blocks int
}

// NewBlockWriter opens a Blocks volume in dir.
func NewBlockWriter(dir string, name Name, module *compression.Module, manifest Manifest) (*BlockWriter, error) {
	aw, err := newArchiveWriter(dir, name, module, manifest)
	if err != nil {
		return nil, err
	}
	return &BlockWriter{archiveWriter: aw}, nil
}

// Name returns the volume name.
func (w *BlockWriter) Name() Name {
	return w.name
}

// AddBlock writes one block.
func (w *BlockWriter) AddBlock(hash string, data []byte, hint compression.Hint) error {
	entry, err := blockhash.FileName(hash)
	if err != nil {
		return err
	}
	if err := w.zw.WriteEntry(entry, data, hint); err != nil {
		return err
	}
	w.blocks++
	return nil
}

// Size is the number of bytes written to disk so far.
func (w *BlockWriter) Size() int64 {
	return w.counter.n
}

// BlockCount is the number of blocks added.
func (w *BlockWriter) BlockCount() int {
	return w.blocks
}

// Close seals the volume.
func (w *BlockWriter) Close() (*File, error) {
	return w.finish()
}

// Abort discards the volume.
func (w *BlockWriter) Abort() {
	w.abort()
}

// BlockReader reads blocks from a Blocks volume.
type BlockReader struct {
	*archiveReader
}

// OpenBlockVolume opens a downloaded, decrypted Blocks volume.
func OpenBlockVolume(path string) (*BlockReader, error) {
	ar, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	return &BlockReader{archiveReader: ar}, nil
}

// Blocks lists every block in the volume.
func (r *BlockReader) Blocks() ([]BlockEntry, error) {
	var blocks []BlockEntry
	for _, name := range r.zr.Names() {
		if name == manifestEntry || strings.Contains(name, "/") {
			continue
		}
		hash, err := blockhash.FromFileName(name)
		if err != nil {
			return nil, err
		}
		size, err := r.zr.Size(name)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, BlockEntry{Hash: hash, Size: size})
	}
	return blocks, nil
}

// ReadBlock returns the payload of a block.
func (r *BlockReader) ReadBlock(hash string) ([]byte, error) {
	entry, err := blockhash.FileName(hash)
	if err != nil {
		return nil, err
	}
	data, err := r.zr.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("reading block %s: %w", hash, err)
	}
	return data, nil
}
