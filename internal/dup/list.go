package dup

import (
	"context"
	"fmt"
	"time"

	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// ListedEntry is one path in a listed fileset.
type ListedEntry struct {
	Path         string
	Type         model.EntryType
	Size         int64
	LastModified time.Time
}

// ListResults holds the filesets known and the entries of the selected one.
type ListResults struct {
	Filesets  []time.Time
	Version   int
	Timestamp time.Time
	Entries   []ListedEntry
}

// ListFilesHandler lists the entries of one fileset. Without a local
// database it reads the selected Files volume from the backend.
type ListFilesHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewListFilesHandler creates a ListFilesHandler. db may be nil.
func NewListFilesHandler(db Database, deps Deps, opts *Options) *ListFilesHandler {
	return &ListFilesHandler{db: db, deps: deps, opts: opts}
}

// Run lists the entries matching filter; an empty filter lists everything.
func (h *ListFilesHandler) Run(ctx context.Context, filter []string) (*ListResults, error) {
	if h.db == nil {
		return h.listRemote(ctx, filter)
	}
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	filesets, err := tx.ListFilesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing filesets: %w", err)
	}
	fileset, version, err := selectFileset(filesets, h.opts)
	if err != nil {
		return nil, err
	}
	entries, err := tx.FilesetEntries(ctx, fileset.ID)
	if err != nil {
		return nil, fmt.Errorf("reading fileset: %w", err)
	}

	res := &ListResults{Version: version, Timestamp: fileset.Timestamp}
	for _, fs := range filesets {
		res.Filesets = append(res.Filesets, fs.Timestamp)
	}
	for _, e := range filterEntries(entries, filter) {
		res.Entries = append(res.Entries, ListedEntry{Path: e.Path, Type: e.Type, Size: e.Size, LastModified: e.LastModified})
	}
	return res, nil
}

func (h *ListFilesHandler) listRemote(ctx context.Context, filter []string) (*ListResults, error) {
	bm := h.deps.Backend
	listing, err := listRemote(ctx, bm, h.opts, h.deps.Logger)
	if err != nil {
		return nil, err
	}
	names := listing.namesOfType(model.VolumeFiles)
	if len(names) == 0 {
		return nil, newError(KindInvalidConfiguration, nil, "no filesets found on the remote store")
	}
	selected := NearestFileset(h.opts)(names)
	if len(selected) == 0 {
		return nil, newError(KindInvalidConfiguration, nil, "no fileset matches the requested version")
	}
	name := selected[0]

	res := &ListResults{Timestamp: name.Time}
	for i := len(names) - 1; i >= 0; i-- {
		res.Filesets = append(res.Filesets, names[i].Time)
		if names[i].String() == name.String() {
			res.Version = len(names) - 1 - i
		}
	}

	path, err := bm.Get(ctx, name.String(), listing.volumes[name.String()], "")
	if err != nil {
		return nil, err
	}
	defer bm.Release(path)
	reader, err := volume.OpenFilesetVolume(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer reader.Close()
	entries, err := reader.Entries()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	for _, e := range entries {
		if len(filter) > 0 && !matchesFilter(e.Path, filter) {
			continue
		}
		le := ListedEntry{Path: e.Path, Type: model.EntryType(e.Type), Size: e.Size}
		if e.Time != "" {
			if t, err := time.Parse(time.RFC3339Nano, e.Time); err == nil {
				le.LastModified = t
			}
		}
		res.Entries = append(res.Entries, le)
	}
	return res, nil
}
