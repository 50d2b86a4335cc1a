package dup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"dup-go/internal/compression"
)

// CreateBugReportHandler packs a copy of the local database with every path
// replaced by opaque tokens, plus basic system information, into a zip file.
type CreateBugReportHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewCreateBugReportHandler creates a CreateBugReportHandler.
func NewCreateBugReportHandler(db Database, deps Deps, opts *Options) *CreateBugReportHandler {
	return &CreateBugReportHandler{db: db, deps: deps, opts: opts}
}

// Run writes the report to dest, which must not exist yet.
func (h *CreateBugReportHandler) Run(ctx context.Context, dest string) error {
	if h.db == nil {
		return newError(KindDatabaseMissing, nil, "a bug report requires a local database")
	}
	if h.deps.OpenDatabase == nil {
		return newError(KindInvalidConfiguration, nil, "no way to open the database copy")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}

	dir, err := os.MkdirTemp("", "dup-bugreport-*")
	if err != nil {
		return fmt.Errorf("creating temporary directory: %w", err)
	}
	defer os.RemoveAll(dir)

	copyPath := filepath.Join(dir, "database.sqlite")
	if err := h.db.BackupTo(copyPath); err != nil {
		return fmt.Errorf("copying database: %w", err)
	}
	if err := obfuscate(ctx, h.deps.OpenDatabase, copyPath); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if err := h.writeReport(out, copyPath); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	h.deps.Logger.Info("bug report written", "path", dest)
	return nil
}

func obfuscate(ctx context.Context, open func(string) (Database, error), path string) error {
	db, err := open(path)
	if err != nil {
		return fmt.Errorf("opening database copy: %w", err)
	}
	defer db.Close()
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := tx.ObfuscatePaths(ctx); err != nil {
		return fmt.Errorf("obfuscating paths: %w", err)
	}
	return tx.Commit()
}

func (h *CreateBugReportHandler) writeReport(w io.Writer, dbPath string) error {
	module, err := compression.Lookup("zip")
	if err != nil {
		return err
	}
	archive := module.NewWriter(w)

	src, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database copy: %w", err)
	}
	defer src.Close()
	entry, err := archive.Create("database.sqlite", compression.Compressible)
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("writing database copy: %w", err)
	}

	var info strings.Builder
	fmt.Fprintf(&info, "go: %s\n", runtime.Version())
	fmt.Fprintf(&info, "os: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&info, "cpus: %d\n", runtime.NumCPU())
	fmt.Fprintf(&info, "options: %s\n", h.opts)
	if err := archive.WriteEntry("system-info.txt", []byte(info.String()), compression.Compressible); err != nil {
		return err
	}
	return archive.Close()
}
