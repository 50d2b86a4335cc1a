package dup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// RestoreControlFilesHandler extracts the control files stored with a
// fileset into Options.RestorePath.
type RestoreControlFilesHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewRestoreControlFilesHandler creates a RestoreControlFilesHandler. db may
// be nil, in which case the fileset is picked from the remote listing.
func NewRestoreControlFilesHandler(db Database, deps Deps, opts *Options) *RestoreControlFilesHandler {
	return &RestoreControlFilesHandler{db: db, deps: deps, opts: opts}
}

// Run writes the control files named in names, or all of them when names is
// empty, and returns the paths written.
func (h *RestoreControlFilesHandler) Run(ctx context.Context, names []string) ([]string, error) {
	if h.opts.RestorePath == "" {
		return nil, newError(KindInvalidConfiguration, nil, "restoring control files requires a restore path")
	}
	name, size, hash, err := h.selectVolume(ctx)
	if err != nil {
		return nil, err
	}

	bm := h.deps.Backend
	path, err := bm.Get(ctx, name, size, hash)
	if err != nil {
		return nil, err
	}
	defer bm.Release(path)
	reader, err := volume.OpenFilesetVolume(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer reader.Close()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	if err := os.MkdirAll(h.opts.RestorePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating restore path: %w", err)
	}

	var written []string
	for _, cf := range reader.ControlFiles() {
		if len(wanted) > 0 && !wanted[cf] {
			continue
		}
		dest := filepath.Join(h.opts.RestorePath, filepath.Base(cf))
		if err := extractControlFile(reader, cf, dest); err != nil {
			return written, err
		}
		h.deps.Logger.Info("restored control file", "name", cf, "path", dest)
		written = append(written, dest)
	}
	return written, nil
}

// selectVolume returns the name, size and hash of the fileset volume. The hash
// is only known when a database is available.
func (h *RestoreControlFilesHandler) selectVolume(ctx context.Context) (string, int64, string, error) {
	if h.db != nil {
		tx, err := h.db.Begin(ctx)
		if err != nil {
			return "", 0, "", fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback()
		filesets, err := tx.ListFilesets(ctx)
		if err != nil {
			return "", 0, "", fmt.Errorf("listing filesets: %w", err)
		}
		fs, _, err := selectFileset(filesets, h.opts)
		if err != nil {
			return "", 0, "", err
		}
		vol, err := tx.GetRemoteVolume(ctx, fs.VolumeName)
		if err != nil {
			return "", 0, "", err
		}
		if vol == nil {
			return "", 0, "", newError(KindConsistencyMismatch, nil, "fileset volume %s is not recorded", fs.VolumeName)
		}
		return vol.Name, vol.Size, vol.Hash, nil
	}

	listing, err := listRemote(ctx, h.deps.Backend, h.opts, h.deps.Logger)
	if err != nil {
		return "", 0, "", err
	}
	selected := NearestFileset(h.opts)(listing.namesOfType(model.VolumeFiles))
	if len(selected) == 0 {
		return "", 0, "", newError(KindInvalidConfiguration, nil, "no fileset matches the requested version")
	}
	name := selected[0].String()
	return name, listing.volumes[name], "", nil
}

func extractControlFile(reader *volume.FilesetReader, name, dest string) error {
	rc, err := reader.OpenControlFile(name)
	if err != nil {
		return fmt.Errorf("opening control file %s: %w", name, err)
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return out.Close()
}
