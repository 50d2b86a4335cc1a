package dup

import (
	"fmt"

	"dup-go/internal/compression"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// volumeSink accumulates blocks into the open Blocks volume and its Index
// companion. Writers are opened on the first block, so a run that stores
// nothing new creates no volumes.
type volumeSink struct {
	s        *session
	blocks   *volume.BlockWriter
	index    *volume.IndexWriter
	blocksID int64
	indexID  int64

	// sealed counts the Blocks volumes handed to the upload queue.
	sealed int
	// lastSize is the size of the most recently sealed Blocks volume.
	lastSize int64
}

func newVolumeSink(s *session) *volumeSink {
	return &volumeSink{s: s}
}

func (v *volumeSink) open() error {
	s := v.s
	now := s.clock.Now()
	manifest := s.opts.manifest(now)

	blockName := volume.NewName(s.opts.Prefix, model.VolumeBlocks, now, s.module.Name(), s.bm.EncryptionModule())
	blocks, err := volume.NewBlockWriter(s.bm.TempDir(), blockName, s.module, manifest)
	if err != nil {
		return err
	}
	indexName := volume.NewName(s.opts.Prefix, model.VolumeIndex, now, s.module.Name(), s.bm.EncryptionModule())
	index, err := volume.NewIndexWriter(s.bm.TempDir(), indexName, s.module, manifest)
	if err != nil {
		blocks.Abort()
		return err
	}

	blocksID, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, blockName.String(), model.VolumeBlocks, model.StateTemporary)
	if err != nil {
		blocks.Abort()
		index.Abort()
		return fmt.Errorf("registering volume: %w", err)
	}
	indexID, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, indexName.String(), model.VolumeIndex, model.StateTemporary)
	if err != nil {
		blocks.Abort()
		index.Abort()
		return fmt.Errorf("registering volume: %w", err)
	}
	if err := s.tx.LinkIndexVolume(s.ctx, indexID, blocksID); err != nil {
		blocks.Abort()
		index.Abort()
		return fmt.Errorf("linking index volume: %w", err)
	}

	index.StartVolume(blockName.String())
	v.blocks, v.index = blocks, index
	v.blocksID, v.indexID = blocksID, indexID
	return nil
}

// add writes a block to the open volume, opening one if needed, and returns
// the ID of the volume that now holds it. Blocklist payloads are also copied
// into the index volume.
func (v *volumeSink) add(hash string, data []byte, hint compression.Hint, blocklist bool) (int64, error) {
	if v.blocks == nil {
		if err := v.open(); err != nil {
			return 0, err
		}
	}
	if err := v.blocks.AddBlock(hash, data, hint); err != nil {
		return 0, err
	}
	v.index.AddBlock(hash, int64(len(data)))
	if blocklist {
		if err := v.index.AddBlocklist(hash, data); err != nil {
			return 0, err
		}
	}
	return v.blocksID, nil
}

// pending reports whether a volume is open.
func (v *volumeSink) pending() bool {
	return v.blocks != nil
}

// full reports whether the open volume has no room for another block.
func (v *volumeSink) full() bool {
	return v.blocks != nil && v.blocks.Size() > v.s.opts.VolumeSize-v.s.opts.Blocksize
}

// seal finishes the open pair, registers both as Uploading, commits and
// queues them for upload.
func (v *volumeSink) seal() error {
	if v.blocks == nil {
		return nil
	}
	s := v.s
	blocks, index := v.blocks, v.index
	v.blocks, v.index = nil, nil

	blockFile, err := blocks.Close()
	if err != nil {
		index.Abort()
		return err
	}
	blockItem, err := s.bm.Prepare(blockFile)
	if err != nil {
		index.Abort()
		return err
	}
	if err := index.FinishVolume(blockItem.Hash, blockItem.Size); err != nil {
		index.Abort()
		s.bm.Discard(blockItem)
		return err
	}
	indexFile, err := index.Close()
	if err != nil {
		s.bm.Discard(blockItem)
		return err
	}
	indexItem, err := s.bm.Prepare(indexFile)
	if err != nil {
		s.bm.Discard(blockItem)
		return err
	}

	for _, it := range []*UploadItem{blockItem, indexItem} {
		if err := s.tx.UpdateRemoteVolume(s.ctx, it.Name, model.StateUploading, it.Size, it.Hash); err != nil {
			s.bm.Discard(blockItem)
			s.bm.Discard(indexItem)
			return fmt.Errorf("updating volume %s: %w", it.Name, err)
		}
	}
	if err := s.checkpoint(); err != nil {
		s.bm.Discard(blockItem)
		s.bm.Discard(indexItem)
		return err
	}

	s.bm.metrics.volumes.WithLabelValues(string(model.VolumeBlocks)).Inc()
	s.bm.metrics.volumes.WithLabelValues(string(model.VolumeIndex)).Inc()
	v.sealed++
	v.lastSize = blockFile.Size
	s.logger.Debug("sealed volume", "name", blockItem.Name, "size", blockItem.Size)
	return s.bm.Put(s.ctx, blockItem, indexItem)
}

// abort discards the open writers without registering anything further.
func (v *volumeSink) abort() {
	if v.blocks != nil {
		v.blocks.Abort()
		v.index.Abort()
		v.blocks, v.index = nil, nil
	}
}
