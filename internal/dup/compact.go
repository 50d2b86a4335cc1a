package dup

import (
	"context"
	"fmt"

	"dup-go/internal/compression"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// CompactResults summarizes a compaction pass.
type CompactResults struct {
	DeletedVolumes    int
	DownloadedVolumes int
	UploadedVolumes   int
	MovedBlocks       int64
	ReclaimedBytes    int64
}

// Changed reports whether compaction touched the remote store.
func (r *CompactResults) Changed() bool {
	return r.DeletedVolumes > 0 || r.UploadedVolumes > 0
}

// CompactReport classifies the uploaded Blocks volumes.
type CompactReport struct {
	// Deletable volumes hold no referenced block.
	Deletable []model.VolumeUsage
	// Wasted volumes have at least Threshold percent unreferenced data.
	Wasted []model.VolumeUsage
	// Small volumes are below SmallFileSize; they are only repacked when
	// there are more than SmallFileMaxCount of them.
	Small []model.VolumeUsage
}

// Repack returns the volumes whose live blocks should be rewritten.
func (r *CompactReport) Repack(opts *Options) []model.VolumeUsage {
	vols := append([]model.VolumeUsage(nil), r.Wasted...)
	if len(r.Small) > opts.SmallFileMaxCount {
		seen := make(map[int64]bool, len(vols))
		for _, v := range vols {
			seen[v.VolumeID] = true
		}
		for _, v := range r.Small {
			if !seen[v.VolumeID] {
				vols = append(vols, v)
			}
		}
	}
	if len(vols) == 1 && len(r.Wasted) == 0 {
		return nil
	}
	return vols
}

func buildCompactReport(ctx context.Context, tx Tx, opts *Options) (*CompactReport, error) {
	usage, err := tx.VolumeUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading volume usage: %w", err)
	}
	report := &CompactReport{}
	for _, u := range usage {
		switch {
		case u.ActiveBlocks == 0:
			report.Deletable = append(report.Deletable, u)
		case u.WastePercent() >= float64(opts.Threshold):
			report.Wasted = append(report.Wasted, u)
		case u.Size < opts.SmallFileSize:
			report.Small = append(report.Small, u)
		}
	}
	return report, nil
}

// CompactHandler reclaims space held by unreferenced blocks.
type CompactHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewCompactHandler creates a CompactHandler.
func NewCompactHandler(db Database, deps Deps, opts *Options) *CompactHandler {
	return &CompactHandler{db: db, deps: deps, opts: opts}
}

// Run purges unreferenced data, deletes volumes without live blocks and
// repacks volumes whose waste exceeds the threshold.
func (h *CompactHandler) Run(ctx context.Context) (*CompactResults, error) {
	s, err := beginSession(ctx, h.db, h.deps, h.opts, "Compact")
	if err != nil {
		return nil, err
	}
	res, err := compact(s)
	return res, s.finish(err)
}

// compact runs inside an existing session. Sources are deleted remotely only
// after the volumes holding their live blocks have been uploaded, and their
// state is committed as Deleted before the remote delete is issued.
func compact(s *session) (*CompactResults, error) {
	res := &CompactResults{}
	if err := requireComplete(s.ctx, s.tx); err != nil {
		return nil, err
	}
	if err := s.tx.PurgeUnreferenced(s.ctx); err != nil {
		return nil, fmt.Errorf("purging unreferenced data: %w", err)
	}
	report, err := buildCompactReport(s.ctx, s.tx, s.opts)
	if err != nil {
		return nil, err
	}
	repack := report.Repack(s.opts)
	if len(report.Deletable) == 0 && len(repack) == 0 {
		s.logger.Info("compacting not required")
		return res, nil
	}
	s.logger.Info("compacting",
		"deletable", len(report.Deletable), "wasted", len(report.Wasted),
		"small", len(report.Small), "repack", len(repack))

	deletable := make([]model.RemoteVolume, 0, len(report.Deletable))
	for _, u := range report.Deletable {
		deletable = append(deletable, model.RemoteVolume{ID: u.VolumeID, Name: u.Name, Type: model.VolumeBlocks, State: u.State, Size: u.Size})
		res.ReclaimedBytes += u.Size
	}
	if err := deleteBlockVolumes(s, deletable); err != nil {
		return nil, err
	}
	res.DeletedVolumes += len(deletable)

	if len(repack) == 0 {
		return res, nil
	}
	if s.opts.DryRun {
		for _, u := range repack {
			s.logger.Info("Would download and repack volume", "name", u.Name, "active", u.ActiveSize, "wasted", u.WastedSize)
		}
		return res, nil
	}

	vols := make([]model.RemoteVolume, 0, len(repack))
	for _, u := range repack {
		v, err := s.tx.GetRemoteVolumeByID(s.ctx, u.VolumeID)
		if err != nil {
			return nil, fmt.Errorf("reading volume %s: %w", u.Name, err)
		}
		vols = append(vols, *v)
	}

	r := &repacker{s: s, sink: newVolumeSink(s), res: res}
	err = s.bm.DownloadAll(s.ctx, vols, r.repackVolume)
	if err == nil {
		err = r.flush()
	}
	if err != nil {
		r.sink.abort()
		return nil, err
	}
	return res, nil
}

type repacker struct {
	s    *session
	sink *volumeSink
	res  *CompactResults
	// consumed holds sources whose live blocks have all been copied.
	consumed []model.RemoteVolume
}

func (r *repacker) repackVolume(vol model.RemoteVolume, path string) error {
	s := r.s
	r.res.DownloadedVolumes++
	reader, err := volume.OpenBlockVolume(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", vol.Name, err)
	}
	defer reader.Close()

	live, err := s.tx.BlocksInVolume(s.ctx, vol.ID)
	if err != nil {
		return fmt.Errorf("listing blocks of %s: %w", vol.Name, err)
	}
	for _, b := range live {
		data, err := reader.ReadBlock(b.Hash)
		if err != nil {
			return newError(KindBlocksMissing, err, "block %s in %s", b.Hash, vol.Name)
		}
		isList, err := s.tx.IsBlocklistHash(s.ctx, b.Hash)
		if err != nil {
			return fmt.Errorf("checking blocklist: %w", err)
		}
		hint := compression.Default
		if isList {
			hint = compression.Noncompressible
		}
		volID, err := r.sink.add(b.Hash, data, hint, isList)
		if err != nil {
			return err
		}
		if err := s.tx.MoveBlock(s.ctx, b.ID, volID); err != nil {
			return fmt.Errorf("moving block: %w", err)
		}
		r.res.MovedBlocks++

		if r.sink.full() {
			if err := r.sealAndDelete(); err != nil {
				return err
			}
		}
	}
	r.consumed = append(r.consumed, vol)
	return nil
}

// sealAndDelete seals the open volume. Every source consumed before this
// point has all its blocks in volumes sealed so far, so once those uploads
// complete the sources can go.
func (r *repacker) sealAndDelete() error {
	s := r.s
	if err := r.sink.seal(); err != nil {
		return err
	}
	r.res.UploadedVolumes++
	if len(r.consumed) == 0 {
		return nil
	}
	if err := s.bm.WaitForComplete(s.ctx, s.tx); err != nil {
		return err
	}
	for _, v := range r.consumed {
		r.res.ReclaimedBytes += v.Size
	}
	consumed := r.consumed
	r.consumed = nil
	if err := deleteBlockVolumes(s, consumed); err != nil {
		return err
	}
	r.res.DeletedVolumes += len(consumed)
	return nil
}

func (r *repacker) flush() error {
	s := r.s
	if r.sink.pending() {
		return r.sealAndDelete()
	}
	if len(r.consumed) == 0 {
		return nil
	}
	if err := s.bm.WaitForComplete(s.ctx, s.tx); err != nil {
		return err
	}
	consumed := r.consumed
	r.consumed = nil
	if err := deleteBlockVolumes(s, consumed); err != nil {
		return err
	}
	r.res.DeletedVolumes += len(consumed)
	return nil
}

// deleteBlockVolumes removes Blocks volumes whose live blocks are gone,
// together with Index volumes that describe nothing else. The Deleted state
// is committed before the remote deletes, and the rows are removed after.
func deleteBlockVolumes(s *session, vols []model.RemoteVolume) error {
	if len(vols) == 0 {
		return nil
	}
	doomed := make(map[int64]bool, len(vols))
	for _, v := range vols {
		doomed[v.ID] = true
	}

	var targets []model.RemoteVolume
	indexSeen := make(map[int64]bool)
	for _, v := range vols {
		targets = append(targets, v)
		indexes, err := s.tx.IndexVolumesFor(s.ctx, v.ID)
		if err != nil {
			return fmt.Errorf("finding index volumes of %s: %w", v.Name, err)
		}
		for _, idx := range indexes {
			if indexSeen[idx.ID] {
				continue
			}
			described, err := s.tx.BlockVolumesForIndex(s.ctx, idx.ID)
			if err != nil {
				return fmt.Errorf("reading index volume %s: %w", idx.Name, err)
			}
			keep := false
			for _, b := range described {
				if !doomed[b.ID] && b.State != model.StateDeleted {
					keep = true
				}
			}
			if !keep {
				indexSeen[idx.ID] = true
				targets = append(targets, idx)
			}
		}
	}

	for _, v := range targets {
		if v.Type == model.VolumeBlocks {
			if _, err := s.tx.RemoveBlocksInVolume(s.ctx, v.ID); err != nil {
				return fmt.Errorf("removing blocks of %s: %w", v.Name, err)
			}
		}
		if err := s.tx.SetRemoteVolumeState(s.ctx, v.Name, model.StateDeleted); err != nil {
			return fmt.Errorf("marking %s deleted: %w", v.Name, err)
		}
	}
	if err := s.checkpoint(); err != nil {
		return err
	}
	for _, v := range targets {
		if err := s.bm.Delete(s.ctx, v.Name, v.Size); err != nil {
			return err
		}
		if err := s.tx.RemoveRemoteVolume(s.ctx, v.Name); err != nil {
			return fmt.Errorf("removing volume %s: %w", v.Name, err)
		}
	}
	return s.checkpoint()
}
