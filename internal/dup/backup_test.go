package dup_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/model"
	"dup-go/internal/testutil"
	"dup-go/internal/volume"
)

func TestBackupHandler(t *testing.T) {
	t.Run("first backup stores every file", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.bin", testutil.Pattern(1, 20*1024))
		e.WriteFile("docs/b.txt", []byte("hello"))

		res := e.MustBackup()
		require.Equal(t, 2, res.AddedFiles)
		require.Equal(t, 2, res.AddedFolders, "the source root and docs")
		require.Equal(t, 2, res.ExaminedFiles)
		require.Equal(t, int64(20*1024+5), res.SizeOfAddedFiles)
		require.True(t, res.FilesetUploaded)
		require.GreaterOrEqual(t, res.VolumesSealed, 2, "20KiB of data does not fit one 8KiB volume")

		vols := remoteVolumes(t, e.DB)
		require.Equal(t, 1, countType(vols, model.VolumeFiles))
		require.Equal(t, countType(vols, model.VolumeBlocks), countType(vols, model.VolumeIndex))
		for _, v := range vols {
			require.True(t, v.State.Live(), "%s is %s", v.Name, v.State)
		}
		require.Len(t, e.Backend.Names(), len(vols))
	})

	t.Run("identical content is stored once", func(t *testing.T) {
		e := testutil.NewEnv(t)
		data := testutil.Pattern(2, 4*1024)
		e.WriteFile("one.bin", data)
		first := e.MustBackup()
		require.GreaterOrEqual(t, first.AddedBlockBytes, int64(4*1024))

		e.WriteFile("two.bin", data)
		second := e.MustBackup()
		require.Equal(t, 1, second.AddedFiles)
		require.Equal(t, 1, second.UnchangedFiles)
		require.Less(t, second.AddedBlockBytes, int64(1024), "only metadata is new")
	})

	t.Run("unchanged source skips the fileset", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("alpha"))
		e.MustBackup()
		before := e.Backend.Names()

		res := e.MustBackup()
		require.False(t, res.FilesetUploaded)
		require.Equal(t, 1, res.UnchangedFiles)
		require.ElementsMatch(t, before, e.Backend.Names())
		require.Len(t, filesets(t, e.DB), 1)

		e.Opts.UploadUnchangedBackups = true
		res = e.MustBackup()
		require.True(t, res.FilesetUploaded)
		require.Len(t, filesets(t, e.DB), 2)
	})

	t.Run("modified and deleted files", func(t *testing.T) {
		e := testutil.NewEnv(t)
		p := e.WriteFile("a.txt", []byte("version one"))
		touch(t, p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		e.WriteFile("b.txt", []byte("to be removed"))
		e.MustBackup()

		p = e.WriteFile("a.txt", []byte("version two"))
		touch(t, p, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
		e.RemoveFile("b.txt")
		res := e.MustBackup()
		require.Equal(t, 1, res.ModifiedFiles)
		require.Equal(t, 1, res.DeletedFiles)
		require.Equal(t, 0, res.AddedFiles)

		fs := filesets(t, e.DB)
		require.Len(t, fs, 2)
		require.True(t, fs[0].Timestamp.After(fs[1].Timestamp))
	})

	t.Run("dry run changes nothing", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("alpha"))
		e.MustBackup()
		vols := remoteVolumes(t, e.DB)
		names := e.Backend.Names()

		e.WriteFile("b.bin", testutil.Pattern(3, 10*1024))
		e.Backend.Reset()
		e.Opts.DryRun = true
		res := e.MustBackup()
		require.Equal(t, 1, res.AddedFiles)
		require.Zero(t, e.Backend.Count(testutil.OpPut))
		require.Zero(t, e.Backend.Count(testutil.OpDelete))
		require.ElementsMatch(t, names, e.Backend.Names())
		require.Equal(t, vols, remoteVolumes(t, e.DB))
		require.Len(t, filesets(t, e.DB), 1)
	})

	t.Run("dry run reports retention without deleting", func(t *testing.T) {
		e := testutil.NewEnv(t)
		for i := range 3 {
			e.WriteFile("a.bin", testutil.Pattern(byte(10+i), 3*1024))
			e.MustBackup()
		}
		names := e.Backend.Names()

		e.WriteFile("a.bin", testutil.Pattern(20, 3*1024))
		e.Backend.Reset()
		e.Opts.DryRun = true
		e.Opts.KeepVersions = 1
		res := e.MustBackup()
		require.Equal(t, 2, res.DeletedFilesets)
		require.Zero(t, e.Backend.Count(testutil.OpPut))
		require.Zero(t, e.Backend.Count(testutil.OpDelete))
		require.ElementsMatch(t, names, e.Backend.Names())
		require.Len(t, filesets(t, e.DB), 3)
	})

	t.Run("transient upload failures are retried", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.bin", testutil.Pattern(4, 12*1024))
		e.Backend.FailNext(testutil.OpPut, "", 2, nil)

		res := e.MustBackup()
		require.True(t, res.FilesetUploaded)
		require.Equal(t, len(e.Backend.Names())+2, e.Backend.Count(testutil.OpPut))

		restored := restoreAll(t, e, e.DB, e.Opts)
		require.Equal(t, 1, restored.RestoredFiles)
		require.Equal(t, string(testutil.Pattern(4, 12*1024)), readTree(t, e.Restore)["a.bin"])
	})

	t.Run("failed upload is repaired by the next backup", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("kept"))
		e.MustBackup()

		e.WriteFile("b.bin", testutil.Pattern(5, 6*1024))
		e.Backend.FailNext(testutil.OpPut, "-b.", -1, nil)
		_, err := e.Backup()
		require.ErrorIs(t, err, testutil.ErrInjected)

		e.Backend.ClearFailures()
		res := e.MustBackup()
		require.True(t, res.FilesetUploaded)
		require.Equal(t, 1, res.AddedFiles)
		require.Len(t, filesets(t, e.DB), 2)

		restoreAll(t, e, e.DB, e.Opts)
		got := readTree(t, e.Restore)
		require.Equal(t, "kept", got["a.txt"])
		require.Equal(t, string(testutil.Pattern(5, 6*1024)), got["b.bin"])
	})

	t.Run("files above the size limit are skipped", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("small.txt", []byte("small"))
		e.WriteFile("large.bin", testutil.Pattern(6, 3*1024))
		e.Opts.SkipFilesLargerThan = 2 * 1024

		res := e.MustBackup()
		require.Equal(t, 1, res.AddedFiles)
		require.Equal(t, 1, res.SkippedFiles)
		require.Equal(t, 2, res.ExaminedFiles)
	})

	t.Run("no sources", func(t *testing.T) {
		e := testutil.NewEnv(t)
		_, err := dup.NewBackupHandler(e.DB, e.Snapshot(), e.Deps(), e.Opts).Run(t.Context(), nil)
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
	})

	t.Run("changed layout is rejected", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("alpha"))
		e.MustBackup()

		e.Opts.Blocksize = 2048
		_, err := e.Backup()
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
	})
}

var errWalkStopped = errors.New("walk stopped")

// stoppingSnapshot fails the walk when it reaches a path ending in stopAt.
type stoppingSnapshot struct {
	dup.Snapshot
	stopAt string
}

func (s stoppingSnapshot) Walk(ctx context.Context, roots []string, fn func(dup.SourceEntry, error) error) error {
	return s.Snapshot.Walk(ctx, roots, func(entry dup.SourceEntry, err error) error {
		if strings.HasSuffix(entry.Path, s.stopAt) {
			return errWalkStopped
		}
		return fn(entry, err)
	})
}

func TestBackupHandler_Interrupted(t *testing.T) {
	t.Run("aborted walk leaves no fileset behind", func(t *testing.T) {
		e := testutil.NewEnv(t)
		big := testutil.Pattern(7, 20*1024)
		e.WriteFile("a.bin", big)
		e.WriteFile("z.txt", []byte("last"))

		snap := stoppingSnapshot{Snapshot: e.Snapshot(), stopAt: "z.txt"}
		res, err := dup.NewBackupHandler(e.DB, snap, e.Deps(), e.Opts).Run(t.Context(), []string{e.Source})
		require.ErrorIs(t, err, errWalkStopped)
		require.GreaterOrEqual(t, res.VolumesSealed, 2, "blocks were committed before the abort")

		require.Empty(t, filesets(t, e.DB))
		for _, v := range remoteVolumes(t, e.DB) {
			require.NotEqual(t, model.VolumeFiles, v.Type, "%s survived", v.Name)
			require.NotEqual(t, model.StateTemporary, v.State, "%s survived", v.Name)
		}

		next := e.MustBackup()
		require.Equal(t, 2, next.AddedFiles)
		require.Len(t, filesets(t, e.DB), 1)

		restoreAll(t, e, e.DB, e.Opts)
		got := readTree(t, e.Restore)
		require.Equal(t, string(big), got["a.bin"])
		require.Equal(t, "last", got["z.txt"])
	})

	// A crash between checkpoints leaves the fileset registered on a
	// Temporary volume that was never uploaded.
	crashed := func(t *testing.T, e *testutil.Env) {
		t.Helper()
		tx, err := e.DB.Begin(t.Context())
		require.NoError(t, err)
		defer tx.Rollback()
		opID, err := tx.CreateOperation(t.Context(), "Backup", e.Clock.Now())
		require.NoError(t, err)
		name := volume.NewName(e.Opts.Prefix, model.VolumeFiles, e.Clock.Now(), "zip", e.Deps().Backend.EncryptionModule())
		volID, err := tx.RegisterRemoteVolume(t.Context(), opID, name.String(), model.VolumeFiles, model.StateTemporary)
		require.NoError(t, err)
		_, err = tx.CreateFileset(t.Context(), opID, volID, e.Clock.Now().Truncate(time.Second), true)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}

	t.Run("crashed fileset is reported as unfinished", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("alpha"))
		e.MustBackup()
		crashed(t, e)
		require.Len(t, filesets(t, e.DB), 2)

		e.Opts.AutoCleanup = false
		_, err := e.Backup()
		var ce *dup.ConsistencyError
		require.True(t, errors.As(err, &ce), "got %v", err)
		require.Len(t, ce.Unfinished, 1)
	})

	t.Run("crashed fileset is purged before the next backup", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.WriteFile("a.txt", []byte("alpha"))
		e.MustBackup()
		crashed(t, e)

		e.WriteFile("b.txt", []byte("bravo"))
		res := e.MustBackup()
		require.Equal(t, 1, res.AddedFiles, "the previous complete fileset is the base")
		require.Equal(t, 1, res.UnchangedFiles)
		require.Len(t, filesets(t, e.DB), 2)
		for _, v := range remoteVolumes(t, e.DB) {
			require.NotEqual(t, model.StateTemporary, v.State, "%s survived", v.Name)
		}
	})
}

// fileBlocks returns the blockset and block references of the entry at rel in
// the newest fileset.
func fileBlocks(t *testing.T, e *testutil.Env, rel string) (*model.BlocksetInfo, []model.BlockRef) {
	t.Helper()
	tx, err := e.DB.Begin(t.Context())
	require.NoError(t, err)
	defer tx.Rollback()
	sets, err := tx.ListFilesets(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, sets)
	entries, err := tx.FilesetEntries(t.Context(), sets[0].ID)
	require.NoError(t, err)
	for _, fe := range entries {
		if strings.HasSuffix(filepath.ToSlash(fe.Path), "/"+rel) {
			info, err := tx.Blockset(t.Context(), fe.BlocksetID)
			require.NoError(t, err)
			refs, err := tx.BlocksetEntries(t.Context(), fe.BlocksetID)
			require.NoError(t, err)
			return info, refs
		}
	}
	t.Fatalf("%s is not in the newest fileset", rel)
	return nil, nil
}

func sum(sizes []int64) int64 {
	var n int64
	for _, s := range sizes {
		n += s
	}
	return n
}

func TestBackupHandler_ThreeBlockFile(t *testing.T) {
	e := testutil.NewEnv(t)
	e.Opts.NoAutoCompact = true
	data := testutil.Pattern(61, 3*1024)
	p := e.WriteFile("big.bin", data)
	touch(t, p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	first := e.MustBackup()
	require.Equal(t, 1, first.AddedFiles)
	firstBlocks := sum(e.Backend.PutSizes("-b."))
	info, refs := fileBlocks(t, e, "big.bin")
	require.Equal(t, int64(3), info.BlockCount)
	require.Len(t, refs, 3)
	require.Len(t, info.Blocklists, 1, "three hashes fit one blocklist")
	require.Empty(t, info.BlockHash)

	e.Backend.Reset()
	second := e.MustBackup()
	require.Zero(t, second.AddedFiles)
	require.Zero(t, second.ModifiedFiles)
	require.Zero(t, second.AddedBlocks)
	require.Empty(t, e.Backend.PutSizes("-b."))

	changed := append([]byte(nil), data...)
	changed[1024+512] ^= 0xff
	p = e.WriteFile("big.bin", changed)
	touch(t, p, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))

	e.Backend.Reset()
	third := e.MustBackup()
	require.Equal(t, 1, third.ModifiedFiles)
	require.GreaterOrEqual(t, third.AddedBlockBytes, int64(1024))
	require.Less(t, third.AddedBlockBytes, int64(2*1024), "only the middle data block is new")

	newInfo, newRefs := fileBlocks(t, e, "big.bin")
	require.Len(t, newRefs, 3)
	require.Equal(t, refs[0].BlockID, newRefs[0].BlockID)
	require.NotEqual(t, refs[1].Hash, newRefs[1].Hash)
	require.Equal(t, refs[2].BlockID, newRefs[2].BlockID)
	require.NotEqual(t, info.Blocklists, newInfo.Blocklists)

	puts := e.Backend.PutSizes("-b.")
	require.Len(t, puts, 1)
	require.Less(t, puts[0], firstBlocks-1024, "two of three data blocks were not uploaded again")

	restoreAll(t, e, e.DB, e.Opts)
	require.Equal(t, string(changed), readTree(t, e.Restore)["big.bin"])
}
