package dup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// ShadowHandler keeps copies of the local database on the backend so a lost
// database can be brought back without a full recreate.
type ShadowHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewShadowHandler creates a ShadowHandler.
func NewShadowHandler(db Database, deps Deps, opts *Options) *ShadowHandler {
	return &ShadowHandler{db: db, deps: deps, opts: opts}
}

// Upload writes a consistent copy of the database into a Shadow volume and
// uploads it. Shadows are not recorded in the database itself; CleanupHandler
// prunes old ones from the listing.
func (h *ShadowHandler) Upload(ctx context.Context) (string, error) {
	if h.db == nil {
		return "", newError(KindDatabaseMissing, nil, "no local database to upload")
	}
	if err := h.opts.Validate(); err != nil {
		return "", err
	}
	module, err := h.opts.compressionModule()
	if err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp("", "dup-shadow-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	copyPath := filepath.Join(tmp, "database.sqlite")
	if err := h.db.BackupTo(copyPath); err != nil {
		return "", fmt.Errorf("copying database: %w", err)
	}

	bm := h.deps.Backend
	now := h.deps.Clock.Now()
	name := volume.NewName(h.opts.Prefix, model.VolumeShadow, now, module.Name(), bm.EncryptionModule())
	file, err := volume.WriteShadowVolume(bm.TempDir(), name, module, h.opts.manifest(now), copyPath)
	if err != nil {
		return "", fmt.Errorf("writing shadow volume: %w", err)
	}
	item, err := bm.Prepare(file)
	if err != nil {
		return "", err
	}
	if err := bm.Put(ctx, item, nil); err != nil {
		return "", err
	}
	if err := bm.WaitForComplete(ctx, nil); err != nil {
		return "", err
	}
	h.deps.Logger.Info("uploaded database shadow", "name", item.Name, "size", item.Size)
	return item.Name, nil
}

// Fetch downloads the newest Shadow volume and writes the database it holds
// to destPath.
func (h *ShadowHandler) Fetch(ctx context.Context, destPath string) (string, error) {
	listing, err := listRemote(ctx, h.deps.Backend, h.opts, h.deps.Logger)
	if err != nil {
		return "", err
	}
	if len(listing.shadows) == 0 {
		return "", newError(KindDatabaseMissing, nil, "no database shadow found on the backend")
	}
	name := listing.shadows[len(listing.shadows)-1].String()

	bm := h.deps.Backend
	path, err := bm.Get(ctx, name, -1, "")
	if err != nil {
		return "", err
	}
	defer bm.Release(path)
	if err := volume.ExtractShadowVolume(path, destPath); err != nil {
		return "", fmt.Errorf("extracting %s: %w", name, err)
	}
	h.deps.Logger.Info("restored database shadow", "name", name, "path", destPath)
	return name, nil
}
