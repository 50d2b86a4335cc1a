package dup_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/testutil"
)

func TestRestoreControlFilesHandler(t *testing.T) {
	e := testutil.NewEnv(t)
	ctl := t.TempDir()
	readme := filepath.Join(ctl, "README")
	notes := filepath.Join(ctl, "notes.txt")
	require.NoError(t, os.WriteFile(readme, []byte("how to restore"), 0o644))
	require.NoError(t, os.WriteFile(notes, []byte("notes"), 0o644))
	e.Opts.ControlFiles = []string{readme, notes}
	e.WriteFile("a.txt", []byte("alpha"))
	e.MustBackup()

	t.Run("all control files", func(t *testing.T) {
		o := *e.Opts
		o.RestorePath = t.TempDir()
		written, err := dup.NewRestoreControlFilesHandler(e.DB, e.Deps(), &o).Run(t.Context(), nil)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{
			filepath.Join(o.RestorePath, "README"),
			filepath.Join(o.RestorePath, "notes.txt"),
		}, written)
		require.Equal(t, map[string]string{"README": "how to restore", "notes.txt": "notes"}, readTree(t, o.RestorePath))
	})

	t.Run("selected by name without a database", func(t *testing.T) {
		o := *e.Opts
		o.RestorePath = t.TempDir()
		written, err := dup.NewRestoreControlFilesHandler(nil, e.Deps(), &o).Run(t.Context(), []string{"README"})
		require.NoError(t, err)
		require.Len(t, written, 1)
		require.Equal(t, map[string]string{"README": "how to restore"}, readTree(t, o.RestorePath))
	})

	t.Run("tampered fileset volume is rejected", func(t *testing.T) {
		for _, name := range e.Backend.Names() {
			if !strings.Contains(name, "-f.") {
				continue
			}
			data := e.Backend.Bytes(name)
			orig := append([]byte(nil), data...)
			data[len(data)-1] ^= 0xff
			e.Backend.SetBytes(name, data)
			t.Cleanup(func() { e.Backend.SetBytes(name, orig) })
		}
		o := *e.Opts
		o.RestorePath = t.TempDir()
		_, err := dup.NewRestoreControlFilesHandler(e.DB, e.Deps(), &o).Run(t.Context(), nil)
		require.Equal(t, dup.KindContentVerificationFailed, dup.KindOf(err))
		require.ErrorContains(t, err, "hash")
	})

	t.Run("requires a restore path", func(t *testing.T) {
		_, err := dup.NewRestoreControlFilesHandler(e.DB, e.Deps(), e.Opts).Run(t.Context(), nil)
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
	})
}
