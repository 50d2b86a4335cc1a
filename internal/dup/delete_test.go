package dup_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/testutil"
)

func TestDeleteHandler(t *testing.T) {
	// setup leaves two filesets: the older holds only gone.bin, the newer
	// only kept.txt.
	setup := func(t *testing.T) *testutil.Env {
		e := testutil.NewEnv(t)
		e.WriteFile("gone.bin", testutil.Pattern(20, 6*1024))
		e.MustBackup()
		e.RemoveFile("gone.bin")
		e.WriteFile("kept.txt", []byte("kept"))
		e.MustBackup()
		require.Len(t, filesets(t, e.DB), 2)
		return e
	}

	t.Run("explicit version", func(t *testing.T) {
		e := setup(t)
		old := filesets(t, e.DB)[1]
		o := *e.Opts
		o.Versions = []int{1}

		res, err := dup.NewDeleteHandler(e.DB, e.Deps(), &o).Run(t.Context())
		require.NoError(t, err)
		require.Len(t, res.DeletedFilesets, 1)
		require.True(t, res.DeletedFilesets[0].Equal(old.Timestamp))
		require.NotContains(t, e.Backend.Names(), old.VolumeName)

		left := filesets(t, e.DB)
		require.Len(t, left, 1)
		require.NotEqual(t, old.ID, left[0].ID)

		require.NotNil(t, res.Compact)
		require.Positive(t, res.Compact.DeletedVolumes, "volumes holding only gone.bin are removed")
		require.Zero(t, res.Compact.DownloadedVolumes)
		for _, v := range remoteVolumes(t, e.DB) {
			require.Contains(t, e.Backend.Names(), v.Name)
		}

		e.RemoveFile("kept.txt")
		o.NoLocalBlocks = true
		restoreAll(t, e, e.DB, &o)
		require.Equal(t, map[string]string{"kept.txt": "kept"}, readTree(t, e.Restore))
	})

	t.Run("retention", func(t *testing.T) {
		e := setup(t)
		o := *e.Opts
		o.KeepVersions = 1
		res, err := dup.NewDeleteHandler(e.DB, e.Deps(), &o).Run(t.Context())
		require.NoError(t, err)
		require.Len(t, res.DeletedFilesets, 1)
		require.Len(t, filesets(t, e.DB), 1)
	})

	t.Run("retention during backup", func(t *testing.T) {
		e := setup(t)
		e.Opts.KeepVersions = 1
		e.WriteFile("more.txt", []byte("more"))
		res := e.MustBackup()
		require.Equal(t, 2, res.DeletedFilesets)
		require.Len(t, filesets(t, e.DB), 1)
	})

	t.Run("refuses to delete everything", func(t *testing.T) {
		e := setup(t)
		o := *e.Opts
		o.Versions = []int{0, 1}
		_, err := dup.NewDeleteHandler(e.DB, e.Deps(), &o).Run(t.Context())
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
		require.Len(t, filesets(t, e.DB), 2)
	})

	t.Run("dry run", func(t *testing.T) {
		e := setup(t)
		names := e.Backend.Names()
		o := *e.Opts
		o.Versions = []int{1}
		o.DryRun = true
		res, err := dup.NewDeleteHandler(e.DB, e.Deps(), &o).Run(t.Context())
		require.NoError(t, err)
		require.Len(t, res.DeletedFilesets, 1)
		require.Len(t, filesets(t, e.DB), 2)
		require.ElementsMatch(t, names, e.Backend.Names())
	})

	t.Run("no auto compact", func(t *testing.T) {
		e := setup(t)
		o := *e.Opts
		o.Versions = []int{1}
		o.NoAutoCompact = true
		res, err := dup.NewDeleteHandler(e.DB, e.Deps(), &o).Run(t.Context())
		require.NoError(t, err)
		require.Nil(t, res.Compact)

		c, err := dup.NewCompactHandler(e.DB, e.Deps(), e.Opts).Run(t.Context())
		require.NoError(t, err)
		require.True(t, c.Changed())
	})
}
