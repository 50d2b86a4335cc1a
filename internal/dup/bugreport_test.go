package dup_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/testutil"
)

func TestCreateBugReportHandler(t *testing.T) {
	e := testutil.NewEnv(t)
	e.WriteFile("secret-project/plan.txt", []byte("plan"))
	e.MustBackup()

	dest := filepath.Join(t.TempDir(), "report.zip")
	require.NoError(t, dup.NewCreateBugReportHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), dest))

	zr, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	var dbEntry *zip.File
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Name == "database.sqlite" {
			dbEntry = f
		}
	}
	require.ElementsMatch(t, []string{"database.sqlite", "system-info.txt"}, names)

	dbFile, err := dbEntry.Open()
	require.NoError(t, err)
	copyPath := filepath.Join(t.TempDir(), "copy.sqlite")
	out, err := os.Create(copyPath)
	require.NoError(t, err)
	_, err = io.Copy(out, dbFile)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, dbFile.Close())

	db := testutil.OpenTestDatabase(t, copyPath)
	tx, err := db.Begin(t.Context())
	require.NoError(t, err)
	defer tx.Rollback()
	sets, err := tx.ListFilesets(t.Context())
	require.NoError(t, err)
	require.Len(t, sets, 1)
	entries, err := tx.FilesetEntries(t.Context(), sets[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, en := range entries {
		require.NotContains(t, en.Path, "secret-project")
		require.False(t, strings.HasPrefix(en.Path, e.Source), "%s is not obfuscated", en.Path)
	}

	t.Run("original database is untouched", func(t *testing.T) {
		found, err := dup.NewFindLastFileVersionHandler(e.DB, e.Opts).Run(t.Context(), []string{filepath.Join(e.Source, "secret-project", "plan.txt")})
		require.NoError(t, err)
		require.True(t, found[0].Found)
	})

	t.Run("existing destination", func(t *testing.T) {
		err := dup.NewCreateBugReportHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), dest)
		require.ErrorContains(t, err, "already exists")
	})

	t.Run("requires a database", func(t *testing.T) {
		err := dup.NewCreateBugReportHandler(nil, e.Deps(), e.Opts).Run(t.Context(), filepath.Join(t.TempDir(), "r.zip"))
		require.Equal(t, dup.KindDatabaseMissing, dup.KindOf(err))
	})
}
