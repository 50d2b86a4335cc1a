package dup

import (
	"context"
	"fmt"

	"dup-go/internal/blockhash"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// CleanupResults summarizes a repair run.
type CleanupResults struct {
	ConfirmedUploads   int
	RemovedVolumes     int
	RegeneratedVolumes int
	DeletedRemoteFiles int
	PurgedFilesets     int
	RehomedBlocks      int
	PrunedShadows      int
}

// CleanupHandler reconciles the database with the remote store: it finishes
// or discards interrupted uploads, removes leftovers, regenerates lost
// Index and Files volumes and prunes old database shadows.
type CleanupHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewCleanupHandler creates a CleanupHandler.
func NewCleanupHandler(db Database, deps Deps, opts *Options) *CleanupHandler {
	return &CleanupHandler{db: db, deps: deps, opts: opts}
}

// Run repairs the database and the remote store.
func (h *CleanupHandler) Run(ctx context.Context) (*CleanupResults, error) {
	s, err := beginSession(ctx, h.db, h.deps, h.opts, "Cleanup")
	if err != nil {
		return nil, err
	}
	res, err := h.run(s)
	return res, s.finish(err)
}

func (h *CleanupHandler) run(s *session) (*CleanupResults, error) {
	res := &CleanupResults{}
	if err := ensureConfiguration(s.ctx, s.tx, s.opts); err != nil {
		return nil, err
	}
	listing, err := listRemote(s.ctx, s.bm, s.opts, s.logger)
	if err != nil {
		return nil, err
	}
	vols, err := s.tx.ListRemoteVolumes(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	filesets, err := s.tx.ListFilesets(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	filesetByVolume := make(map[string]model.Fileset, len(filesets))
	for _, fs := range filesets {
		filesetByVolume[fs.VolumeName] = fs
	}

	known := make(map[string]bool, len(vols))
	var missingBlocks []model.RemoteVolume
	var missingFiles []model.Fileset

	for _, v := range vols {
		known[v.Name] = true
		size, present := listing.volumes[v.Name]

		switch v.State {
		case model.StateTemporary:
			if present {
				if err := s.bm.Delete(s.ctx, v.Name, size); err != nil {
					return nil, err
				}
				res.DeletedRemoteFiles++
			}
			if fs, ok := filesetByVolume[v.Name]; ok {
				s.logger.Warn("removing incomplete fileset", "volume", v.Name)
				if err := s.tx.DeleteFileset(s.ctx, fs.ID); err != nil {
					return nil, fmt.Errorf("deleting fileset: %w", err)
				}
				res.PurgedFilesets++
			}
			if err := h.removeVolume(s, v); err != nil {
				return nil, err
			}
			res.RemovedVolumes++

		case model.StateUploading, model.StateUploaded, model.StateVerified:
			if present && (v.Size < 0 || size == v.Size) {
				if v.State == model.StateUploading {
					s.logger.Info("confirmed interrupted upload", "name", v.Name)
					res.ConfirmedUploads++
				}
				if v.State != model.StateVerified {
					if err := s.tx.SetRemoteVolumeState(s.ctx, v.Name, model.StateVerified); err != nil {
						return nil, fmt.Errorf("marking %s verified: %w", v.Name, err)
					}
				}
				continue
			}
			if present {
				s.logger.Warn("remote file has the wrong size", "name", v.Name, "size", size, "expected", v.Size)
				if err := s.bm.Delete(s.ctx, v.Name, size); err != nil {
					return nil, err
				}
				res.DeletedRemoteFiles++
			}
			s.logger.Warn("remote file is missing", "name", v.Name, "type", v.Type)
			switch v.Type {
			case model.VolumeBlocks:
				missingBlocks = append(missingBlocks, v)
			case model.VolumeIndex:
				if err := h.removeVolume(s, v); err != nil {
					return nil, err
				}
				res.RemovedVolumes++
			case model.VolumeFiles:
				if fs, ok := filesetByVolume[v.Name]; ok {
					missingFiles = append(missingFiles, fs)
				} else if err := h.removeVolume(s, v); err != nil {
					return nil, err
				}
			}

		case model.StateDeleted:
			if present {
				if err := s.bm.Delete(s.ctx, v.Name, size); err != nil {
					return nil, err
				}
				res.DeletedRemoteFiles++
			}
			if err := h.removeVolume(s, v); err != nil {
				return nil, err
			}
			res.RemovedVolumes++
		}
	}

	for name, size := range listing.volumes {
		if known[name] {
			continue
		}
		if listing.parsed[name].Type == model.VolumeFiles {
			return nil, newError(KindConsistencyMismatch, nil, "remote fileset %s is unknown to the local database, recreate the database to use it", name)
		}
		s.logger.Warn("deleting extra remote file", "name", name)
		if err := s.bm.Delete(s.ctx, name, size); err != nil {
			return nil, err
		}
		res.DeletedRemoteFiles++
	}

	if err := s.tx.PurgeUnreferenced(s.ctx); err != nil {
		return nil, fmt.Errorf("purging unreferenced data: %w", err)
	}
	if err := s.checkpoint(); err != nil {
		return nil, err
	}

	if len(missingBlocks) > 0 {
		n, err := h.rehomeBlocks(s, missingBlocks)
		if err != nil {
			return nil, err
		}
		res.RehomedBlocks = n
		if err := deleteBlockVolumes(s, missingBlocks); err != nil {
			return nil, err
		}
		res.RemovedVolumes += len(missingBlocks)
	}

	for _, fs := range missingFiles {
		if err := h.regenerateFileset(s, fs); err != nil {
			return nil, err
		}
		res.RegeneratedVolumes++
	}
	n, err := h.regenerateIndexes(s)
	if err != nil {
		return nil, err
	}
	res.RegeneratedVolumes += n

	if s.opts.KeepShadows > 0 && len(listing.shadows) > s.opts.KeepShadows {
		for _, n := range listing.shadows[:len(listing.shadows)-s.opts.KeepShadows] {
			if err := s.bm.Delete(s.ctx, n.String(), -1); err != nil {
				return nil, err
			}
			res.PrunedShadows++
		}
	}

	if err := s.bm.WaitForComplete(s.ctx, s.tx); err != nil {
		return nil, err
	}
	blockAlg := s.blockAlg
	if err := s.tx.VerifyConsistency(s.ctx, s.opts.Blocksize, s.opts.hashesPerBlocklist(blockAlg)); err != nil {
		return nil, newError(KindConsistencyMismatch, err, "database verification failed after cleanup")
	}
	s.logger.Info("cleanup finished",
		"removed", res.RemovedVolumes, "regenerated", res.RegeneratedVolumes,
		"deleted", res.DeletedRemoteFiles, "purged", res.PurgedFilesets)
	return res, nil
}

// removeVolume drops a volume row and any blocks still assigned to it.
func (h *CleanupHandler) removeVolume(s *session, v model.RemoteVolume) error {
	if v.Type == model.VolumeBlocks {
		if _, err := s.tx.RemoveBlocksInVolume(s.ctx, v.ID); err != nil {
			return fmt.Errorf("removing blocks of %s: %w", v.Name, err)
		}
	}
	if err := s.tx.RemoveRemoteVolume(s.ctx, v.Name); err != nil {
		return fmt.Errorf("removing volume %s: %w", v.Name, err)
	}
	return nil
}

// rehomeBlocks reassigns blocks of missing Blocks volumes to other volumes
// that also hold them, as described by the live Index volumes. This recovers
// from a compaction that was interrupted before its upload completed.
func (h *CleanupHandler) rehomeBlocks(s *session, missing []model.RemoteVolume) (int, error) {
	need := make(map[string]int64)
	lost := make(map[int64]bool, len(missing))
	for _, v := range missing {
		lost[v.ID] = true
		blocks, err := s.tx.BlocksInVolume(s.ctx, v.ID)
		if err != nil {
			return 0, fmt.Errorf("listing blocks of %s: %w", v.Name, err)
		}
		for _, b := range blocks {
			need[blockKey(b.Hash, b.Size)] = b.ID
		}
	}
	if len(need) == 0 {
		return 0, nil
	}

	vols, err := s.tx.ListRemoteVolumes(s.ctx)
	if err != nil {
		return 0, fmt.Errorf("listing volumes: %w", err)
	}
	var indexes []model.RemoteVolume
	for _, v := range vols {
		if v.Type == model.VolumeIndex && v.State.Live() {
			indexes = append(indexes, v)
		}
	}

	rehomed := 0
	err = s.bm.DownloadAll(s.ctx, indexes, func(idx model.RemoteVolume, path string) error {
		reader, err := volume.OpenIndexVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", idx.Name, err)
		}
		defer reader.Close()
		described, err := reader.Volumes()
		if err != nil {
			return fmt.Errorf("reading %s: %w", idx.Name, err)
		}
		for _, iv := range described {
			target, err := s.tx.GetRemoteVolume(s.ctx, iv.Name)
			if err != nil {
				return err
			}
			if target == nil || lost[target.ID] || !target.State.Live() {
				continue
			}
			for _, b := range iv.Blocks {
				id, ok := need[blockKey(b.Hash, b.Size)]
				if !ok {
					continue
				}
				if err := s.tx.MoveBlock(s.ctx, id, target.ID); err != nil {
					return fmt.Errorf("moving block: %w", err)
				}
				delete(need, blockKey(b.Hash, b.Size))
				rehomed++
			}
		}
		return nil
	})
	if err != nil {
		return rehomed, err
	}
	if len(need) > 0 {
		return rehomed, newError(KindBlocksMissing, nil, "%d blocks of missing volumes are not stored anywhere else, delete the filesets that use them", len(need))
	}
	s.logger.Info("reassigned blocks of missing volumes", "blocks", rehomed)
	return rehomed, nil
}

func (h *CleanupHandler) regenerateFileset(s *session, fs model.Fileset) error {
	name := volume.NewName(s.opts.Prefix, model.VolumeFiles, fs.Timestamp, s.module.Name(), s.bm.EncryptionModule())
	volID, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, name.String(), model.VolumeFiles, model.StateTemporary)
	if err != nil {
		return fmt.Errorf("registering volume: %w", err)
	}
	if err := s.tx.SetFilesetVolume(s.ctx, fs.ID, volID); err != nil {
		return fmt.Errorf("relinking fileset: %w", err)
	}
	if err := s.tx.RemoveRemoteVolume(s.ctx, fs.VolumeName); err != nil {
		return fmt.Errorf("removing volume %s: %w", fs.VolumeName, err)
	}
	item, err := writeFilesetVolume(s, fs, name, fs.IsFull, nil)
	if err != nil {
		return err
	}
	s.logger.Info("regenerated fileset volume", "name", item.Name, "replaces", fs.VolumeName)
	return h.queue(s, item)
}

// regenerateIndexes writes an Index volume for every Blocks volume that has
// no live one.
func (h *CleanupHandler) regenerateIndexes(s *session) (int, error) {
	vols, err := s.tx.ListRemoteVolumes(s.ctx)
	if err != nil {
		return 0, fmt.Errorf("listing volumes: %w", err)
	}
	n := 0
	for _, v := range vols {
		if v.Type != model.VolumeBlocks || v.State == model.StateTemporary || v.State == model.StateDeleted {
			continue
		}
		indexes, err := s.tx.IndexVolumesFor(s.ctx, v.ID)
		if err != nil {
			return n, fmt.Errorf("finding index volumes of %s: %w", v.Name, err)
		}
		covered := false
		for _, idx := range indexes {
			if idx.State != model.StateDeleted && idx.State != model.StateTemporary {
				covered = true
			}
		}
		if covered {
			continue
		}
		if err := h.writeIndexVolume(s, v); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (h *CleanupHandler) writeIndexVolume(s *session, v model.RemoteVolume) error {
	blocks, err := s.tx.BlocksInVolume(s.ctx, v.ID)
	if err != nil {
		return fmt.Errorf("listing blocks of %s: %w", v.Name, err)
	}
	lists, err := s.tx.BlocklistsInVolume(s.ctx, v.ID, s.hashesPerBlocklist())
	if err != nil {
		return fmt.Errorf("reading blocklists of %s: %w", v.Name, err)
	}

	now := s.clock.Now()
	name := volume.NewName(s.opts.Prefix, model.VolumeIndex, now, s.module.Name(), s.bm.EncryptionModule())
	w, err := volume.NewIndexWriter(s.bm.TempDir(), name, s.module, s.opts.manifest(now))
	if err != nil {
		return err
	}
	w.StartVolume(v.Name)
	for _, b := range blocks {
		w.AddBlock(b.Hash, b.Size)
	}
	if err := w.FinishVolume(v.Hash, v.Size); err != nil {
		w.Abort()
		return err
	}
	for _, l := range lists {
		payload, err := blockhash.JoinBlocklist(l.Hashes)
		if err != nil {
			w.Abort()
			return err
		}
		if err := w.AddBlocklist(l.Hash, payload); err != nil {
			w.Abort()
			return err
		}
	}
	file, err := w.Close()
	if err != nil {
		return err
	}
	item, err := s.bm.Prepare(file)
	if err != nil {
		return err
	}
	idxID, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, item.Name, model.VolumeIndex, model.StateTemporary)
	if err != nil {
		s.bm.Discard(item)
		return fmt.Errorf("registering volume: %w", err)
	}
	if err := s.tx.LinkIndexVolume(s.ctx, idxID, v.ID); err != nil {
		s.bm.Discard(item)
		return fmt.Errorf("linking index volume: %w", err)
	}
	s.logger.Info("regenerated index volume", "name", item.Name, "for", v.Name)
	return h.queue(s, item)
}

// queue registers a prepared volume as Uploading, commits and uploads it.
func (h *CleanupHandler) queue(s *session, item *UploadItem) error {
	if err := s.tx.UpdateRemoteVolume(s.ctx, item.Name, model.StateUploading, item.Size, item.Hash); err != nil {
		s.bm.Discard(item)
		return fmt.Errorf("updating volume: %w", err)
	}
	if err := s.checkpoint(); err != nil {
		s.bm.Discard(item)
		return err
	}
	return s.bm.Put(s.ctx, item, nil)
}

func blockKey(hash string, size int64) string {
	return fmt.Sprintf("%s:%d", hash, size)
}
