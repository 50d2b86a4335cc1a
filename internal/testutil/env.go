package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dup-go/internal/database"
	"dup-go/internal/dup"
	"dup-go/internal/fs"
	"dup-go/internal/staging"
)

// TestOptions returns options small enough that a few kilobytes of source
// data span several blocks, blocklists and volumes.
func TestOptions() *dup.Options {
	o := dup.DefaultOptions()
	o.Prefix = "dup"
	o.Blocksize = 1024
	o.VolumeSize = 8 * 1024
	o.SmallFileSize = 4 * 1024
	o.KeepShadows = 0
	o.Retries = 2
	o.RetryDelay = time.Millisecond
	o.AutoCleanup = true
	o.AutoCreateFolder = true
	return o
}

// Env bundles everything a handler test needs: a database, a recording
// backend, a spool, a ticking clock and a source directory.
type Env struct {
	t       *testing.T
	DB      *database.SQLiteDatabase
	Backend *RecordingBackend
	Enc     dup.Encryptor
	Clock   *StubClock
	Opts    *dup.Options
	Source  string
	Restore string
}

// NewEnv creates a test environment using TestOptions and the test encryptor.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	root := t.TempDir()
	e := &Env{
		t:       t,
		DB:      OpenTestDatabase(t, filepath.Join(root, "dup.sqlite")),
		Backend: NewRecordingBackend(),
		Enc:     NewTestEncryptor(),
		Clock:   NewTickingClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), time.Second),
		Opts:    TestOptions(),
		Source:  filepath.Join(root, "source"),
		Restore: filepath.Join(root, "restore"),
	}
	if err := os.MkdirAll(e.Source, 0o755); err != nil {
		t.Fatal(err)
	}
	return e
}

// Deps builds fresh handler dependencies. Each handler run should use its
// own BackendManager.
func (e *Env) Deps() dup.Deps {
	e.t.Helper()
	spool, err := staging.NewArea(e.t.TempDir(), 0)
	if err != nil {
		e.t.Fatalf("creating spool: %v", err)
	}
	e.t.Cleanup(func() { spool.Close() })

	var dec dup.DecryptionContext
	if e.Enc != nil {
		if dec, err = e.Enc.Unlock(""); err != nil {
			e.t.Fatalf("unlocking encryptor: %v", err)
		}
	}
	bm, err := dup.NewBackendManager(e.Backend, e.Enc, dec, spool, dup.NewMetrics(), dup.NewNopLogger(), e.Clock, e.Opts)
	if err != nil {
		e.t.Fatalf("creating backend manager: %v", err)
	}
	return dup.Deps{
		Backend:      bm,
		Logger:       dup.NewNopLogger(),
		Clock:        e.Clock,
		OpenDatabase: database.Open,
	}
}

// Snapshot returns a live view of the source directory.
func (e *Env) Snapshot() dup.Snapshot {
	return fs.NewOSSnapshot(nil)
}

// WriteFile creates or replaces a file under the source directory.
func (e *Env) WriteFile(rel string, data []byte) string {
	e.t.Helper()
	p := filepath.Join(e.Source, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		e.t.Fatal(err)
	}
	return p
}

// RemoveFile deletes a file under the source directory.
func (e *Env) RemoveFile(rel string) {
	e.t.Helper()
	if err := os.RemoveAll(filepath.Join(e.Source, rel)); err != nil {
		e.t.Fatal(err)
	}
}

// Backup runs a backup of the source directory.
func (e *Env) Backup() (*dup.BackupResults, error) {
	e.t.Helper()
	h := dup.NewBackupHandler(e.DB, e.Snapshot(), e.Deps(), e.Opts)
	return h.Run(e.t.Context(), []string{e.Source})
}

// MustBackup runs a backup and fails the test on error.
func (e *Env) MustBackup() *dup.BackupResults {
	e.t.Helper()
	res, err := e.Backup()
	if err != nil {
		e.t.Fatalf("backup failed: %v", err)
	}
	return res
}

// Pattern returns n bytes of deterministic data seeded by seed.
func Pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	x := uint32(seed) + 1
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}
