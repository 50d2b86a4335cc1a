package dup

import (
	"context"
	"fmt"
	"time"

	"dup-go/internal/model"
)

// DeleteResults summarizes a delete run.
type DeleteResults struct {
	DeletedFilesets []time.Time
	Compact         *CompactResults
}

// DeleteHandler removes filesets by retention policy or explicit version
// and then compacts.
type DeleteHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewDeleteHandler creates a DeleteHandler.
func NewDeleteHandler(db Database, deps Deps, opts *Options) *DeleteHandler {
	return &DeleteHandler{db: db, deps: deps, opts: opts}
}

// Run deletes the filesets selected by Versions, KeepVersions and KeepTime.
func (h *DeleteHandler) Run(ctx context.Context) (*DeleteResults, error) {
	s, err := beginSession(ctx, h.db, h.deps, h.opts, "Delete")
	if err != nil {
		return nil, err
	}
	res, err := h.run(s)
	return res, s.finish(err)
}

func (h *DeleteHandler) run(s *session) (*DeleteResults, error) {
	res := &DeleteResults{}
	if err := requireComplete(s.ctx, s.tx); err != nil {
		return nil, err
	}
	filesets, err := s.tx.ListFilesets(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	doomed, err := selectForDeletion(filesets, s.opts, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if len(doomed) > 0 {
		for _, fs := range doomed {
			if s.opts.DryRun {
				s.logger.Info("Would delete fileset", "time", fs.Timestamp.Format(time.RFC3339), "volume", fs.VolumeName)
			} else {
				s.logger.Info("deleting fileset", "time", fs.Timestamp.Format(time.RFC3339), "volume", fs.VolumeName)
			}
			if err := s.tx.DeleteFileset(s.ctx, fs.ID); err != nil {
				return nil, fmt.Errorf("deleting fileset: %w", err)
			}
			if err := s.tx.SetRemoteVolumeState(s.ctx, fs.VolumeName, model.StateDeleted); err != nil {
				return nil, fmt.Errorf("marking %s deleted: %w", fs.VolumeName, err)
			}
			res.DeletedFilesets = append(res.DeletedFilesets, fs.Timestamp)
		}
		if err := s.tx.PurgeUnreferenced(s.ctx); err != nil {
			return nil, fmt.Errorf("purging unreferenced data: %w", err)
		}
		if err := s.checkpoint(); err != nil {
			return nil, err
		}
		for _, fs := range doomed {
			vol, err := s.tx.GetRemoteVolume(s.ctx, fs.VolumeName)
			if err != nil {
				return nil, fmt.Errorf("reading volume %s: %w", fs.VolumeName, err)
			}
			if vol == nil {
				continue
			}
			if err := s.bm.Delete(s.ctx, vol.Name, vol.Size); err != nil {
				return nil, err
			}
			if err := s.tx.RemoveRemoteVolume(s.ctx, vol.Name); err != nil {
				return nil, fmt.Errorf("removing volume %s: %w", vol.Name, err)
			}
		}
		if err := s.checkpoint(); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("no filesets to delete")
	}

	if s.opts.NoAutoCompact {
		return res, nil
	}
	res.Compact, err = compact(s)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// selectForDeletion applies the retention options to filesets, which are
// ordered newest first. The newest fileset is only removed when named
// explicitly, and removing every fileset requires AllowFullRemoval.
func selectForDeletion(filesets []model.Fileset, opts *Options, now time.Time) ([]model.Fileset, error) {
	doomed := make(map[int]bool)
	for _, v := range opts.Versions {
		if v < 0 || v >= len(filesets) {
			return nil, newError(KindInvalidConfiguration, nil, "version %d does not exist, there are %d filesets", v, len(filesets))
		}
		doomed[v] = true
	}
	if opts.KeepVersions > 0 {
		for i := opts.KeepVersions; i < len(filesets); i++ {
			doomed[i] = true
		}
	}
	if opts.KeepTime > 0 {
		cutoff := now.Add(-opts.KeepTime)
		for i := 1; i < len(filesets); i++ {
			if filesets[i].Timestamp.Before(cutoff) {
				doomed[i] = true
			}
		}
	}

	if len(filesets) > 0 && len(doomed) == len(filesets) && !opts.AllowFullRemoval {
		return nil, newError(KindInvalidConfiguration, nil, "refusing to delete all %d filesets without allow-full-removal", len(filesets))
	}

	var out []model.Fileset
	for i, fs := range filesets {
		if doomed[i] {
			out = append(out, fs)
		}
	}
	return out, nil
}
