package dup_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/model"
	"dup-go/internal/testutil"
)

// restoreAll restores the whole selected fileset into e.Restore.
func restoreAll(t *testing.T, e *testutil.Env, db dup.Database, opts *dup.Options) *dup.RestoreResults {
	t.Helper()
	o := *opts
	o.RestorePath = e.Restore
	res, err := dup.NewRestoreHandler(db, e.Deps(), &o).Run(t.Context(), nil)
	require.NoError(t, err)
	return res
}

// readTree returns the regular files below root keyed by slash-separated
// relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

// remoteVolumes returns the volumes recorded in the database.
func remoteVolumes(t *testing.T, db dup.Database) []model.RemoteVolume {
	t.Helper()
	tx, err := db.Begin(t.Context())
	require.NoError(t, err)
	defer tx.Rollback()
	vols, err := tx.ListRemoteVolumes(t.Context())
	require.NoError(t, err)
	return vols
}

// filesets returns the filesets recorded in the database, newest first.
func filesets(t *testing.T, db dup.Database) []model.Fileset {
	t.Helper()
	tx, err := db.Begin(t.Context())
	require.NoError(t, err)
	defer tx.Rollback()
	out, err := tx.ListFilesets(t.Context())
	require.NoError(t, err)
	return out
}

func countType(vols []model.RemoteVolume, typ model.VolumeType) int {
	n := 0
	for _, v := range vols {
		if v.Type == typ {
			n++
		}
	}
	return n
}

// touch sets a distinct modification time so the change detector notices a
// rewrite even on file systems with coarse timestamps.
func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

// emptyDB opens a fresh database next to the environment's one.
func emptyDB(t *testing.T) dup.Database {
	t.Helper()
	return testutil.NewTestDatabase(t)
}
