package dup

import (
	"context"
	"fmt"

	"dup-go/internal/model"
)

// LastVersion is the newest recorded version of one path.
type LastVersion struct {
	Path    string
	Found   bool
	Version model.FileVersion
}

// FindLastFileVersionHandler reports the newest version of each path,
// optionally limited to filesets at or before Options.Time.
type FindLastFileVersionHandler struct {
	db   Database
	opts *Options
}

// NewFindLastFileVersionHandler creates a FindLastFileVersionHandler.
func NewFindLastFileVersionHandler(db Database, opts *Options) *FindLastFileVersionHandler {
	return &FindLastFileVersionHandler{db: db, opts: opts}
}

// Run looks up every path. Paths that were never backed up come back with
// Found unset.
func (h *FindLastFileVersionHandler) Run(ctx context.Context, paths []string) ([]LastVersion, error) {
	if h.db == nil {
		return nil, newError(KindDatabaseMissing, nil, "finding file versions requires a local database")
	}
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]LastVersion, 0, len(paths))
	for _, p := range paths {
		versions, err := tx.FileVersions(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("finding versions of %s: %w", p, err)
		}
		lv := LastVersion{Path: p}
		for _, v := range versions {
			if !h.opts.Time.IsZero() && v.Timestamp.After(h.opts.Time) {
				continue
			}
			lv.Found, lv.Version = true, v
			break
		}
		out = append(out, lv)
	}
	return out, nil
}
