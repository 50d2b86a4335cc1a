package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dup-go/internal/config"
	"dup-go/internal/database"
	"dup-go/internal/dup"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("job", "host-1", base)
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.MetricsFile = filepath.Join(base, "metrics", "dup.prom")
	cfg.Backup.Blocksize = "1KiB"
	cfg.Backup.VolumeSize = "16KiB"
	cfg.Backup.RetryDelay = "1ms"
	return cfg
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func remoteNames(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	entries, err := os.ReadDir(cfg.Backends[0].FSRoot)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func countShadows(names []string) int {
	n := 0
	for _, name := range names {
		if strings.Contains(name, "-s.") {
			n++
		}
	}
	return n
}

func TestNewDupApp_Validation(t *testing.T) {
	t.Run("no backends", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Backends = nil
		_, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup"})
		require.ErrorContains(t, err, "no backends")
	})

	t.Run("bad options", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Backup.Prefix = "bad-prefix"
		_, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup"})
		require.Error(t, err)
		require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
	})

	t.Run("unconfigured age keys", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Encryption = config.NewConfig("job", "h", t.TempDir()).Encryption
		_, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup"})
		require.ErrorContains(t, err, "not set up")
	})
}

func TestDupApp_BackupRestoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	src := writeSource(t, map[string]string{
		"a.txt":     strings.Repeat("alpha ", 500),
		"sub/b.txt": "bravo",
	})

	a, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup", Mutating: true})
	require.NoError(t, err)
	res, err := a.Backup(t.Context(), []string{src})
	require.NoError(t, err)
	require.Equal(t, 2, res.AddedFiles)
	require.NoError(t, a.Close())

	names := remoteNames(t, cfg)
	require.Equal(t, 1, countShadows(names), "a shadow is uploaded after a mutating command")
	_, err = os.Stat(cfg.MetricsFile)
	require.NoError(t, err)

	r, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Restore"})
	require.NoError(t, err)
	dest := t.TempDir()
	r.Options().RestorePath = dest
	rres, err := r.Restore(t.Context(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, rres.RestoredFiles)

	ops, err := r.History(t.Context(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	require.Equal(t, "Restore", ops[0].Description)
	require.NoError(t, r.Close())

	require.Equal(t, 1, countShadows(remoteNames(t, cfg)), "read-only commands do not upload shadows")

	var restored []string
	require.NoError(t, filepath.WalkDir(dest, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			restored = append(restored, d.Name())
		}
		return err
	}))
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, restored)
}

func TestDupApp_FindAndList(t *testing.T) {
	cfg := testConfig(t)
	src := writeSource(t, map[string]string{"notes.md": "hello"})

	a, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup", Mutating: true})
	require.NoError(t, err)
	_, err = a.Backup(t.Context(), []string{src})
	require.NoError(t, err)

	found, err := a.FindLastVersion(t.Context(), []string{filepath.Join(src, "notes.md"), filepath.Join(src, "missing")})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.True(t, found[0].Found)
	require.False(t, found[1].Found)

	list, err := a.List(t.Context(), []string{filepath.Join(src, "*.md")})
	require.NoError(t, err)
	require.Len(t, list.Entries, 1)
	require.NoError(t, a.Close())
}

func TestDupApp_RestoreDatabase(t *testing.T) {
	cfg := testConfig(t)
	src := writeSource(t, map[string]string{"a.txt": "content"})

	a, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Backup", Mutating: true})
	require.NoError(t, err)
	_, err = a.Backup(t.Context(), []string{src})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	dbPath := database.DatabasePath(cfg.Database, cfg.Job)
	require.NoError(t, os.Remove(dbPath))

	r, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "RestoreDatabase", NoDatabase: true})
	require.NoError(t, err)
	name, err := r.RestoreDatabase(t.Context())
	require.NoError(t, err)
	require.Contains(t, name, "-s.")
	require.NoError(t, r.Close())

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	t.Run("refuses to overwrite", func(t *testing.T) {
		r, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "RestoreDatabase", NoDatabase: true})
		require.NoError(t, err)
		defer r.Close()
		_, err = r.RestoreDatabase(t.Context())
		require.ErrorContains(t, err, "already exists")
	})

	t.Run("restored database is usable", func(t *testing.T) {
		f, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "Find"})
		require.NoError(t, err)
		defer f.Close()
		found, err := f.FindLastVersion(t.Context(), []string{filepath.Join(src, "a.txt")})
		require.NoError(t, err)
		require.True(t, found[0].Found)
	})
}

func TestDupApp_NoDatabase(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewDupApp(t.Context(), cfg, AppOptions{Command: "History", NoDatabase: true})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.History(t.Context(), 5)
	require.Equal(t, dup.KindDatabaseMissing, dup.KindOf(err))

	_, err = a.Cleanup(t.Context())
	require.Equal(t, dup.KindDatabaseMissing, dup.KindOf(err))
}

func TestResolveFilter(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	got, err := resolveFilter([]string{"docs", "/abs/path", "*.txt"})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(cwd, "docs"), "/abs/path", "*.txt"}, got)
}
