package dup_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/model"
	"dup-go/internal/staging"
	"dup-go/internal/testutil"
	"dup-go/internal/volume"
)

func newManager(t *testing.T, e *testutil.Env, dec dup.DecryptionContext) *dup.BackendManager {
	t.Helper()
	spool, err := staging.NewArea(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close() })
	bm, err := dup.NewBackendManager(e.Backend, e.Enc, dec, spool, dup.NewMetrics(), dup.NewNopLogger(), e.Clock, e.Opts)
	require.NoError(t, err)
	return bm
}

// prepare writes payload as a sealed volume and hands it to bm.
func prepare(t *testing.T, bm *dup.BackendManager, payload string) *dup.UploadItem {
	t.Helper()
	name := volume.NewName("dup", model.VolumeBlocks, time.Now(), "zip", bm.EncryptionModule())
	path := filepath.Join(bm.TempDir(), "plain-"+name.GUID)
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))
	item, err := bm.Prepare(&volume.File{Name: name, Path: path, Size: int64(len(payload))})
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "the plaintext is removed")
	return item
}

func TestBackendManager(t *testing.T) {
	unlocked := func(t *testing.T, e *testutil.Env) dup.DecryptionContext {
		dec, err := e.Enc.Unlock("")
		require.NoError(t, err)
		return dec
	}

	t.Run("put and get round trip", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, unlocked(t, e))
		item := prepare(t, bm, "volume payload")
		require.NotEqual(t, int64(len("volume payload")), item.Size, "encryption adds a header")

		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))
		require.Contains(t, e.Backend.Names(), item.Name)

		path, err := bm.Get(t.Context(), item.Name, item.Size, item.Hash)
		require.NoError(t, err)
		defer bm.Release(path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "volume payload", string(data))
	})

	t.Run("uploads are recorded in the database", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, nil)
		item := prepare(t, bm, "payload")

		tx, err := e.DB.Begin(t.Context())
		require.NoError(t, err)
		defer tx.Rollback()
		opID, err := tx.CreateOperation(t.Context(), "Test", time.Now())
		require.NoError(t, err)
		_, err = tx.RegisterRemoteVolume(t.Context(), opID, item.Name, model.VolumeBlocks, model.StateUploading)
		require.NoError(t, err)

		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), tx))
		vol, err := tx.GetRemoteVolume(t.Context(), item.Name)
		require.NoError(t, err)
		require.Equal(t, model.StateUploaded, vol.State)
		require.Equal(t, item.Size, vol.Size)
		require.Equal(t, item.Hash, vol.Hash)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, unlocked(t, e))
		item := prepare(t, bm, "retry me")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))

		e.Backend.Reset()
		e.Backend.FailNext(testutil.OpGet, item.Name, 2, nil)
		path, err := bm.Get(t.Context(), item.Name, item.Size, item.Hash)
		require.NoError(t, err)
		bm.Release(path)
		require.Equal(t, 3, e.Backend.Count(testutil.OpGet))
	})

	t.Run("persistent failures surface after the last attempt", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, nil)
		e.Backend.FailNext(testutil.OpPut, "", -1, nil)
		item := prepare(t, bm, "never")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		err := bm.WaitForComplete(t.Context(), nil)
		require.ErrorIs(t, err, testutil.ErrInjected)
		require.Equal(t, e.Opts.Retries+1, e.Backend.Count(testutil.OpPut))
	})

	t.Run("missing files are not retried", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, nil)
		_, err := bm.Get(t.Context(), "dup-b.missing", -1, "")
		require.ErrorIs(t, err, dup.ErrFileNotFound)
		require.Equal(t, 1, e.Backend.Count(testutil.OpGet))
	})

	t.Run("corrupt download", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, unlocked(t, e))
		item := prepare(t, bm, "original")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))

		stored := e.Backend.Bytes(item.Name)
		stored[len(stored)-1] ^= 0xff
		e.Backend.SetBytes(item.Name, stored)

		_, err := bm.Get(t.Context(), item.Name, item.Size, item.Hash)
		require.Equal(t, dup.KindContentVerificationFailed, dup.KindOf(err))

		_, err = bm.Get(t.Context(), item.Name, item.Size+1, "")
		require.Equal(t, dup.KindContentVerificationFailed, dup.KindOf(err))
	})

	t.Run("encrypted volume without a passphrase", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, nil)
		item := prepare(t, bm, "secret")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))

		_, err := bm.Get(t.Context(), item.Name, item.Size, item.Hash)
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
	})

	t.Run("dry run uploads nothing", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.Opts.DryRun = true
		bm := newManager(t, e, nil)
		item := prepare(t, bm, "dry")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))
		require.NoError(t, bm.Delete(t.Context(), "dup-b.anything", 1))
		require.Empty(t, e.Backend.Calls())
	})

	t.Run("missing folder is created on upload", func(t *testing.T) {
		e := testutil.NewEnv(t)
		e.Backend.DropFolder()
		bm := newManager(t, e, nil)

		_, err := bm.List(t.Context())
		require.Equal(t, dup.KindFolderMissing, dup.KindOf(err))
		require.True(t, errors.Is(err, dup.ErrFolderMissing))

		item := prepare(t, bm, "first upload")
		require.NoError(t, bm.Put(t.Context(), item, nil))
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))
		require.Equal(t, 1, e.Backend.Count(testutil.OpCreate))
		require.Contains(t, e.Backend.Names(), item.Name)
	})

	t.Run("download all stops at the first failure", func(t *testing.T) {
		e := testutil.NewEnv(t)
		bm := newManager(t, e, unlocked(t, e))
		var vols []model.RemoteVolume
		for i := range 4 {
			item := prepare(t, bm, string(testutil.Pattern(byte(i), 64)))
			require.NoError(t, bm.Put(t.Context(), item, nil))
			vols = append(vols, model.RemoteVolume{Name: item.Name, Size: item.Size, Hash: item.Hash})
		}
		require.NoError(t, bm.WaitForComplete(t.Context(), nil))

		seen := 0
		err := bm.DownloadAll(t.Context(), vols, func(v model.RemoteVolume, path string) error {
			seen++
			_, err := os.Stat(path)
			return err
		})
		require.NoError(t, err)
		require.Equal(t, 4, seen)

		boom := errors.New("boom")
		err = bm.DownloadAll(t.Context(), vols, func(model.RemoteVolume, string) error { return boom })
		require.ErrorIs(t, err, boom)
	})
}
