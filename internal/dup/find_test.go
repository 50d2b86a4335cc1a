package dup_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/model"
	"dup-go/internal/testutil"
)

func TestFindLastFileVersionHandler(t *testing.T) {
	e := testutil.NewEnv(t)
	p := e.WriteFile("a.txt", []byte("one"))
	touch(t, p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	first := e.MustBackup()
	p = e.WriteFile("a.txt", []byte("three"))
	touch(t, p, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	e.WriteFile("b.txt", []byte("bee"))
	second := e.MustBackup()

	a := filepath.Join(e.Source, "a.txt")
	b := filepath.Join(e.Source, "b.txt")

	t.Run("newest version", func(t *testing.T) {
		found, err := dup.NewFindLastFileVersionHandler(e.DB, e.Opts).Run(t.Context(), []string{a, b, "/never/seen"})
		require.NoError(t, err)
		require.Len(t, found, 3)
		require.True(t, found[0].Found)
		require.Equal(t, int64(5), found[0].Version.Size)
		require.True(t, found[0].Version.Timestamp.Equal(second.FilesetTimestamp))
		require.Equal(t, model.EntryFile, found[0].Version.Type)
		require.True(t, found[1].Found)
		require.False(t, found[2].Found)
		require.Equal(t, "/never/seen", found[2].Path)
	})

	t.Run("limited by time", func(t *testing.T) {
		o := *e.Opts
		o.Time = first.FilesetTimestamp
		found, err := dup.NewFindLastFileVersionHandler(e.DB, &o).Run(t.Context(), []string{a, b})
		require.NoError(t, err)
		require.True(t, found[0].Found)
		require.Equal(t, int64(3), found[0].Version.Size)
		require.False(t, found[1].Found, "b.txt did not exist yet")
	})

	t.Run("requires a database", func(t *testing.T) {
		_, err := dup.NewFindLastFileVersionHandler(nil, e.Opts).Run(t.Context(), []string{a})
		require.Equal(t, dup.KindDatabaseMissing, dup.KindOf(err))
	})
}

func TestListFilesHandler(t *testing.T) {
	e := testutil.NewEnv(t)
	e.WriteFile("a.txt", []byte("alpha"))
	e.MustBackup()
	e.WriteFile("docs/b.md", []byte("bravo"))
	e.MustBackup()

	t.Run("newest fileset", func(t *testing.T) {
		res, err := dup.NewListFilesHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), nil)
		require.NoError(t, err)
		require.Len(t, res.Filesets, 2)
		require.Zero(t, res.Version)
		require.True(t, res.Timestamp.Equal(res.Filesets[0]))
		require.Len(t, res.Entries, 4, "root, a.txt, docs and docs/b.md")
	})

	t.Run("older fileset", func(t *testing.T) {
		o := *e.Opts
		o.Version = 1
		res, err := dup.NewListFilesHandler(e.DB, e.Deps(), &o).Run(t.Context(), nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.Version)
		require.Len(t, res.Entries, 2)
	})

	t.Run("filter", func(t *testing.T) {
		res, err := dup.NewListFilesHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), []string{filepath.Join(e.Source, "docs")})
		require.NoError(t, err)
		require.Len(t, res.Entries, 2)

		res, err = dup.NewListFilesHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), []string{filepath.Join(e.Source, "*.txt")})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		require.Equal(t, filepath.Join(e.Source, "a.txt"), res.Entries[0].Path)
		require.Equal(t, int64(5), res.Entries[0].Size)
	})

	t.Run("without a database", func(t *testing.T) {
		local, err := dup.NewListFilesHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), nil)
		require.NoError(t, err)
		remote, err := dup.NewListFilesHandler(nil, e.Deps(), e.Opts).Run(t.Context(), nil)
		require.NoError(t, err)
		require.Len(t, remote.Filesets, 2)
		type pathType struct {
			path string
			typ  model.EntryType
		}
		flatten := func(entries []dup.ListedEntry) []pathType {
			var out []pathType
			for _, le := range entries {
				out = append(out, pathType{le.Path, le.Type})
			}
			return out
		}
		require.ElementsMatch(t, flatten(local.Entries), flatten(remote.Entries))
	})

	t.Run("unknown version", func(t *testing.T) {
		o := *e.Opts
		o.Version = 7
		_, err := dup.NewListFilesHandler(e.DB, e.Deps(), &o).Run(t.Context(), nil)
		require.Error(t, err)
	})
}
