package dup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// writeFilesetVolume writes the Files volume for a fileset from the database
// and prepares it for upload. Control files are read from the local disk.
func writeFilesetVolume(s *session, fs model.Fileset, name volume.Name, isFull bool, controlFiles []string) (*UploadItem, error) {
	entries, err := s.tx.FilesetEntries(s.ctx, fs.ID)
	if err != nil {
		return nil, fmt.Errorf("reading fileset entries: %w", err)
	}

	w, err := volume.NewFilesetWriter(s.bm.TempDir(), name, s.module, s.opts.manifest(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	w.SetFull(isFull)

	infos := make(map[int64]*model.BlocksetInfo)
	blockset := func(id int64) (*model.BlocksetInfo, error) {
		if info, ok := infos[id]; ok {
			return info, nil
		}
		info, err := s.tx.Blockset(s.ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading blockset %d: %w", id, err)
		}
		infos[id] = info
		return info, nil
	}

	for _, e := range entries {
		fe := volume.FilelistEntry{
			Type: string(e.Type),
			Path: e.Path,
			Time: e.LastModified.UTC().Format(time.RFC3339Nano),
		}
		if e.MetaBlocksetID != 0 {
			meta, err := blockset(e.MetaBlocksetID)
			if err != nil {
				w.Abort()
				return nil, err
			}
			fe.MetaHash, fe.MetaSize = meta.Hash, meta.Length
			fe.MetaBlockHash, fe.MetaBlocklists = meta.BlockHash, meta.Blocklists
		}
		if e.Type == model.EntryFile {
			content, err := blockset(e.BlocksetID)
			if err != nil {
				w.Abort()
				return nil, err
			}
			fe.Hash, fe.Size = content.Hash, content.Length
			fe.BlockHash, fe.Blocklists = content.BlockHash, content.Blocklists
		}
		w.AddEntry(fe)
	}

	for _, path := range controlFiles {
		f, err := os.Open(path)
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("opening control file: %w", err)
		}
		err = w.AddControlFile(filepath.Base(path), f)
		f.Close()
		if err != nil {
			w.Abort()
			return nil, err
		}
	}

	file, err := w.Close()
	if err != nil {
		return nil, err
	}
	s.bm.metrics.volumes.WithLabelValues(string(model.VolumeFiles)).Inc()
	return s.bm.Prepare(file)
}
