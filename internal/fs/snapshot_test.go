package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dup-go/internal/dup"
	"dup-go/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func collect(t *testing.T, s dup.Snapshot, roots ...string) ([]dup.SourceEntry, []error) {
	t.Helper()
	var entries []dup.SourceEntry
	var errs []error
	err := s.Walk(context.Background(), roots, func(e dup.SourceEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	return entries, errs
}

func TestOSSnapshot_Walk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world!")
	writeFile(t, filepath.Join(root, "sub", "debug.log"), "noise")
	writeFile(t, filepath.Join(root, "cache", "c.bin"), "cached")
	writeFile(t, filepath.Join(root, IgnoreFileName), "cache/\n")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	entries, errs := collect(t, NewOSSnapshot([]string{"*.log"}), root)
	require.Empty(t, errs)

	byPath := make(map[string]dup.SourceEntry)
	var order []string
	for _, e := range entries {
		byPath[e.Path] = e
		order = append(order, e.Path)
	}
	require.Equal(t, []string{
		root,
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "link"),
		filepath.Join(root, "sub"),
		filepath.Join(root, "sub", "b.txt"),
	}, order)

	require.Equal(t, model.EntryFolder, byPath[root].Type)

	file := byPath[filepath.Join(root, "a.txt")]
	require.Equal(t, model.EntryFile, file.Type)
	require.EqualValues(t, 5, file.Size)
	require.Equal(t, "640", file.Metadata[dup.MetaMode])
	require.Contains(t, file.Metadata, dup.MetaModTime)

	link := byPath[filepath.Join(root, "link")]
	require.Equal(t, model.EntrySymlink, link.Type)
	require.Equal(t, "a.txt", link.Metadata[dup.MetaSymlinkTarget])

	r, err := NewOSSnapshot(nil).Open(filepath.Join(root, "sub", "b.txt"))
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	require.Equal(t, "world!", string(buf[:n]))
}

func TestOSSnapshot_MissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, errs := collect(t, NewOSSnapshot(nil), missing)
	require.Len(t, errs, 1)
	require.True(t, errors.Is(errs[0], os.ErrNotExist))
}

func TestOSSnapshot_StopsOnCallbackError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "x")
	writeFile(t, filepath.Join(root, "b.txt"), "y")

	stop := errors.New("stop")
	visited := 0
	err := NewOSSnapshot(nil).Walk(context.Background(), []string{root}, func(e dup.SourceEntry, err error) error {
		visited++
		if visited == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, visited)
}

func TestNewSnapshot(t *testing.T) {
	for _, policy := range []string{"", SnapshotOff, SnapshotAuto} {
		s, err := NewSnapshot(policy, nil, nil)
		require.NoError(t, err, policy)
		require.NotNil(t, s)
	}

	_, err := NewSnapshot(SnapshotRequired, nil, nil)
	require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))

	_, err = NewSnapshot("sometimes", nil, nil)
	require.Equal(t, dup.KindInvalidConfiguration, dup.KindOf(err))
}
