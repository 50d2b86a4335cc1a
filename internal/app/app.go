package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dup-go/internal/backend"
	"dup-go/internal/config"
	"dup-go/internal/database"
	"dup-go/internal/dup"
	"dup-go/internal/encryption"
	"dup-go/internal/fs"
	"dup-go/internal/model"
	"dup-go/internal/staging"

	"github.com/prometheus/client_golang/prometheus"
)

// AppOptions controls how a DupApp is opened for one CLI command.
type AppOptions struct {
	// Command names the CLI command, e.g. "Backup" or "Restore".
	Command    string
	Parameters string
	// Mutating commands upload a database shadow when they succeed.
	Mutating   bool
	Passphrase string
	// NoDatabase skips opening the local database. Handlers that support it
	// work from the remote store alone.
	NoDatabase bool
	Verbose    bool
}

// DupApp is the application layer between the CLI and the handlers.
// It constructs all dependencies from config, exposes one method per
// command, and uploads a database shadow and metrics on Close.
type DupApp struct {
	cfg      *config.Config
	opts     *dup.Options
	db       *database.SQLiteDatabase
	backend  dup.Backend
	spool    *staging.Area
	enc      dup.Encryptor
	dec      dup.DecryptionContext
	snapshot dup.Snapshot
	metrics  *dup.Metrics
	logger   dup.Logger
	cmd      *Command
	logFile  *os.File
}

// NewDupApp creates a fully wired DupApp from the given config.
// The caller must call Close when done.
func NewDupApp(ctx context.Context, cfg *config.Config, o AppOptions) (*DupApp, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	if cfg.Job == "" {
		return nil, fmt.Errorf("no job name configured")
	}

	opts, err := OptionsFromConfig(cfg.Backup)
	if err != nil {
		return nil, fmt.Errorf("reading backup options: %w", err)
	}

	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	opID := time.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.LogDir, opID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl.With("job", cfg.Job)}

	a := &DupApp{
		cfg:     cfg,
		opts:    opts,
		metrics: dup.NewMetrics(),
		logger:  logger,
		cmd:     NewCommand(o.Command, o.Parameters, o.Mutating),
		logFile: logFile,
	}
	if err := a.open(ctx, o); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *DupApp) open(ctx context.Context, o AppOptions) error {
	var err error
	a.backend, err = backend.NewBackendFromConfig(ctx, a.cfg.Backends[0])
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	a.spool, err = staging.NewAreaFromConfig(a.cfg.Staging)
	if err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}

	a.enc, err = encryption.NewEncryptorFromConfig(a.cfg.Encryption, o.Passphrase)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if a.enc != nil {
		if !a.enc.IsConfigured() {
			return fmt.Errorf("encryption module %s is not set up: run \"dup config init\" or set a passphrase", a.enc.Module())
		}
		a.dec, err = a.enc.Unlock(o.Passphrase)
		if err != nil {
			if o.Passphrase != "" {
				return fmt.Errorf("unlocking encryption key: %w", err)
			}
			a.logger.Debug("volumes cannot be decrypted without a passphrase", "error", err)
			a.dec = nil
		}
	}

	a.snapshot, err = fs.NewSnapshot(a.cfg.Filesystem.Snapshot, a.cfg.Filesystem.Ignore, a.logger)
	if err != nil {
		return err
	}

	if o.NoDatabase {
		return nil
	}
	a.db, err = database.NewDatabaseFromConfig(a.cfg.Database, a.cfg.Job)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}
	return nil
}

// Options returns the handler options for this command. Callers adjust
// per-command settings such as Version or RestorePath before running it.
func (a *DupApp) Options() *dup.Options {
	return a.opts
}

// Metrics returns the collectors every handler run of this app updates.
func (a *DupApp) Metrics() *dup.Metrics {
	return a.metrics
}

// deps builds the collaborators for one handler run. Every run gets its own
// BackendManager so pending uploads never leak between handlers.
func (a *DupApp) deps() (dup.Deps, error) {
	bm, err := dup.NewBackendManager(a.backend, a.enc, a.dec, a.spool, a.metrics, a.logger, dup.RealClock{}, a.opts)
	if err != nil {
		return dup.Deps{}, err
	}
	return dup.Deps{
		Backend:      bm,
		Logger:       a.logger,
		Clock:        dup.RealClock{},
		OpenDatabase: database.Open,
	}, nil
}

// database returns the local database, or nil when the app was opened
// without one. A typed nil must not reach the handlers.
func (a *DupApp) database() dup.Database {
	if a.db == nil {
		return nil
	}
	return a.db
}

func (a *DupApp) track(err error) error {
	if err != nil {
		a.cmd.Fail()
	}
	return err
}

// Backup resolves the source paths and backs them up.
func (a *DupApp) Backup(ctx context.Context, sources []string) (*dup.BackupResults, error) {
	roots := make([]string, 0, len(sources))
	for _, s := range sources {
		p, err := filepath.Abs(s)
		if err != nil {
			return nil, a.track(fmt.Errorf("resolving path: %w", err))
		}
		roots = append(roots, p)
	}
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewBackupHandler(a.database(), a.snapshot, deps, a.opts).Run(ctx, roots)
	return res, a.track(err)
}

// Restore restores the entries matching filter from the selected fileset.
// Plain paths in the filter are made absolute; globs are passed through.
func (a *DupApp) Restore(ctx context.Context, filter []string) (*dup.RestoreResults, error) {
	resolved, err := resolveFilter(filter)
	if err != nil {
		return nil, a.track(err)
	}
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewRestoreHandler(a.database(), deps, a.opts).Run(ctx, resolved)
	return res, a.track(err)
}

// List lists the entries of the selected fileset.
func (a *DupApp) List(ctx context.Context, filter []string) (*dup.ListResults, error) {
	resolved, err := resolveFilter(filter)
	if err != nil {
		return nil, a.track(err)
	}
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewListFilesHandler(a.database(), deps, a.opts).Run(ctx, resolved)
	return res, a.track(err)
}

// FindLastVersion reports the newest backed up version of each path.
func (a *DupApp) FindLastVersion(ctx context.Context, paths []string) ([]dup.LastVersion, error) {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		ap, err := filepath.Abs(p)
		if err != nil {
			return nil, a.track(fmt.Errorf("resolving path: %w", err))
		}
		abs = append(abs, ap)
	}
	res, err := dup.NewFindLastFileVersionHandler(a.database(), a.opts).Run(ctx, abs)
	return res, a.track(err)
}

// Delete removes filesets by version or retention policy.
func (a *DupApp) Delete(ctx context.Context) (*dup.DeleteResults, error) {
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewDeleteHandler(a.database(), deps, a.opts).Run(ctx)
	return res, a.track(err)
}

// Compact repacks or deletes wasteful volumes.
func (a *DupApp) Compact(ctx context.Context) (*dup.CompactResults, error) {
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewCompactHandler(a.database(), deps, a.opts).Run(ctx)
	return res, a.track(err)
}

// Cleanup reconciles the local database with the backend.
func (a *DupApp) Cleanup(ctx context.Context) (*dup.CleanupResults, error) {
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewCleanupHandler(a.database(), deps, a.opts).Run(ctx)
	return res, a.track(err)
}

// Recreate rebuilds the (empty) local database from the backend. When
// nearest is set only the fileset selected by Version or Time is replayed.
func (a *DupApp) Recreate(ctx context.Context, nearest bool) (*dup.RecreateResults, error) {
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	var filter dup.FilesetFilter
	if nearest {
		filter = dup.NearestFileset(a.opts)
	}
	res, err := dup.NewRecreateDatabaseHandler(a.database(), deps, a.opts).Run(ctx, filter)
	return res, a.track(err)
}

// RestoreControlFiles writes the control files stored with the selected
// fileset to the restore path. An empty names list restores all of them.
func (a *DupApp) RestoreControlFiles(ctx context.Context, names []string) ([]string, error) {
	deps, err := a.deps()
	if err != nil {
		return nil, a.track(err)
	}
	res, err := dup.NewRestoreControlFilesHandler(a.database(), deps, a.opts).Run(ctx, names)
	return res, a.track(err)
}

// BugReport writes an obfuscated copy of the database to dest.
func (a *DupApp) BugReport(ctx context.Context, dest string) error {
	deps, err := a.deps()
	if err != nil {
		return a.track(err)
	}
	return a.track(dup.NewCreateBugReportHandler(a.database(), deps, a.opts).Run(ctx, dest))
}

// History returns the most recent handler operations, newest first.
func (a *DupApp) History(ctx context.Context, limit int) ([]model.Operation, error) {
	if a.db == nil {
		return nil, &dup.Error{Kind: dup.KindDatabaseMissing, Msg: "history requires a local database"}
	}
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	return tx.ListOperations(ctx, limit)
}

// RestoreDatabase downloads the newest database shadow and installs it as
// the local database. It refuses to replace an existing database file.
func (a *DupApp) RestoreDatabase(ctx context.Context) (string, error) {
	if a.db != nil {
		return "", a.track(fmt.Errorf("the local database is open; restoring a shadow needs NoDatabase"))
	}
	dest := database.DatabasePath(a.cfg.Database, a.cfg.Job)
	if dest == "" {
		return "", a.track(fmt.Errorf("database type %q has no file to restore into", a.cfg.Database.Type))
	}
	if _, err := os.Stat(dest); err == nil {
		return "", a.track(fmt.Errorf("%s already exists", dest))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", a.track(fmt.Errorf("creating data_dir: %w", err))
	}
	deps, err := a.deps()
	if err != nil {
		return "", a.track(err)
	}
	name, err := dup.NewShadowHandler(nil, deps, a.opts).Fetch(ctx, dest)
	return name, a.track(err)
}

// uploadShadow stores a copy of the database on the backend.
func (a *DupApp) uploadShadow(ctx context.Context) error {
	if a.db == nil || a.opts.DryRun || a.opts.KeepShadows <= 0 {
		return nil
	}
	deps, err := a.deps()
	if err != nil {
		return err
	}
	_, err = dup.NewShadowHandler(a.db, deps, a.opts).Upload(ctx)
	return err
}

// writeMetrics exports the collected metrics in the node_exporter textfile format.
func (a *DupApp) writeMetrics() error {
	if a.cfg.MetricsFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.MetricsFile), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.metrics.Registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// Close finalizes the command and closes all resources.
// After a successful mutating command a database shadow is uploaded.
// Metrics are written for every command when a metrics file is configured.
func (a *DupApp) Close() error {
	var errs []error

	if a.cmd.NeedsShadow() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if err := a.uploadShadow(ctx); err != nil {
			errs = append(errs, fmt.Errorf("uploading database shadow: %w", err))
		}
		cancel()
	}
	if err := a.writeMetrics(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("command finished", "command", a.cmd.Name, "status", a.cmd.Status)

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *DupApp) closeResources() error {
	var errs []error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if c, ok := a.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing backend: %w", err))
		}
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.snapshot != nil {
		a.snapshot.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

func resolveFilter(filter []string) ([]string, error) {
	out := make([]string, 0, len(filter))
	for _, f := range filter {
		if strings.ContainsAny(f, "*?[") || filepath.IsAbs(f) {
			out = append(out, f)
			continue
		}
		p, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
