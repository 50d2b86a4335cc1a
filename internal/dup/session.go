package dup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dup-go/internal/blockhash"
	"dup-go/internal/compression"
	"dup-go/internal/model"
)

// Deps bundles the collaborators shared by the handlers.
type Deps struct {
	Backend *BackendManager
	Logger  Logger
	Clock   Clock
	// OpenDatabase opens (creating if needed) a database at path. Handlers use
	// it for temporary databases when no local database is available.
	OpenDatabase func(path string) (Database, error)
}

// Operation status values stored in the operation table.
const (
	StatusSuccess = "Success"
	StatusError   = "Error"
)

// Configuration keys stored with the database.
const (
	configBlocksize = "blocksize"
	configBlockHash = "block-hash"
	configFileHash  = "file-hash"
	configPrefix    = "prefix"
	// configPartial is set when a recreate replayed only some filesets.
	configPartial = "partial-recreate"
)

// session owns the open transaction of one handler run. Work is committed at
// checkpoints so that registered volumes survive a crash. In dry-run mode
// nothing is ever committed and the transaction is rolled back at the end.
type session struct {
	ctx      context.Context
	db       Database
	tx       Tx
	bm       *BackendManager
	opts     *Options
	logger   Logger
	clock    Clock
	opID     int64
	blockAlg blockhash.Algorithm
	fileAlg  blockhash.Algorithm
	module   *compression.Module

	// discard drops committed work that must not outlive a failed run. It
	// runs in the transaction that records the failure.
	discard func(ctx context.Context, tx Tx) error
}

func beginSession(ctx context.Context, db Database, deps Deps, opts *Options, description string) (*session, error) {
	if db == nil {
		return nil, newError(KindDatabaseMissing, nil, "%s requires a local database", strings.ToLower(description))
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	blockAlg, fileAlg, err := opts.algorithms()
	if err != nil {
		return nil, err
	}
	module, err := opts.compressionModule()
	if err != nil {
		return nil, err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	s := &session{
		ctx:      ctx,
		db:       db,
		tx:       tx,
		bm:       deps.Backend,
		opts:     opts,
		logger:   deps.Backend.DatabaseLogger(deps.Logger),
		clock:    deps.Clock,
		blockAlg: blockAlg,
		fileAlg:  fileAlg,
		module:   module,
	}

	s.opID, err = tx.CreateOperation(ctx, description, deps.Clock.Now())
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("recording operation: %w", err)
	}
	s.bm.SetOperation(s.opID)
	if err := s.checkpoint(); err != nil {
		tx.Rollback()
		return nil, err
	}
	return s, nil
}

// checkpoint flushes buffered backend messages and commits the work so far.
func (s *session) checkpoint() error {
	if err := s.bm.FlushDbMessages(s.ctx, s.tx); err != nil {
		return err
	}
	if s.opts.DryRun {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	tx, err := s.db.Begin(s.ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// finish ends the session. On failure the open transaction is rolled back
// and the failure is recorded in a fresh transaction.
func (s *session) finish(err error) error {
	if err == nil {
		err = s.bm.FlushDbMessages(s.ctx, s.tx)
	}
	if err == nil && !s.opts.DryRun {
		if ferr := s.tx.FinishOperation(s.ctx, s.opID, StatusSuccess, s.clock.Now()); ferr != nil {
			err = ferr
		} else if cerr := s.tx.Commit(); cerr != nil {
			return fmt.Errorf("committing transaction: %w", cerr)
		} else {
			return nil
		}
	}

	s.tx.Rollback()
	if s.opts.DryRun {
		s.bm.WaitForComplete(context.WithoutCancel(s.ctx), nil)
		return err
	}

	s.logger.Error("operation failed", "error", err)
	ctx := context.WithoutCancel(s.ctx)
	s.bm.WaitForComplete(ctx, nil)
	tx, berr := s.db.Begin(ctx)
	if berr != nil {
		return err
	}
	if ferr := s.bm.FlushDbMessages(ctx, tx); ferr != nil {
		tx.Rollback()
		return err
	}
	if s.discard != nil {
		if derr := s.discard(ctx, tx); derr != nil {
			s.logger.Error("discarding incomplete work", "error", derr)
			tx.Rollback()
			return err
		}
	}
	if ferr := tx.FinishOperation(ctx, s.opID, StatusError, s.clock.Now()); ferr != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return err
}

func (s *session) hashesPerBlocklist() int {
	return s.opts.hashesPerBlocklist(s.blockAlg)
}

// ensureConfiguration records the layout settings in an empty database and
// rejects settings that differ from those the database was created with.
func ensureConfiguration(ctx context.Context, tx Tx, opts *Options) error {
	if err := requireComplete(ctx, tx); err != nil {
		return err
	}
	stored, err := tx.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	want := map[string]string{
		configBlocksize: strconv.FormatInt(opts.Blocksize, 10),
		configBlockHash: opts.BlockHashAlgorithm,
		configFileHash:  opts.FileHashAlgorithm,
		configPrefix:    opts.Prefix,
	}
	for key, value := range want {
		have, ok := stored[key]
		if !ok {
			if err := tx.SetConfiguration(ctx, key, value); err != nil {
				return fmt.Errorf("storing configuration: %w", err)
			}
			continue
		}
		if have != value {
			return newError(KindInvalidConfiguration, nil, "database was created with %s=%s, options say %s", key, have, value)
		}
	}
	return nil
}

// requireComplete rejects databases recreated from a subset of the remote
// filesets. Blocks used only by the skipped filesets look unreferenced there,
// so anything that purges or rewrites volumes would destroy them.
func requireComplete(ctx context.Context, tx Tx) error {
	stored, err := tx.Configuration(ctx)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	if v := stored[configPartial]; v != "" {
		return newError(KindInvalidConfiguration, nil, "the database holds only %s remote filesets, recreate it in full before changing the backup", v)
	}
	return nil
}

// storedOptions returns a copy of opts with the layout settings replaced by
// those recorded in the database, for handlers that only read existing data.
func storedOptions(ctx context.Context, tx Tx, opts *Options) (*Options, error) {
	stored, err := tx.Configuration(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	o := *opts
	if v, ok := stored[configBlocksize]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, newError(KindInvalidConfiguration, err, "stored blocksize %q", v)
		}
		o.Blocksize = n
	}
	if v, ok := stored[configBlockHash]; ok {
		o.BlockHashAlgorithm = v
	}
	if v, ok := stored[configFileHash]; ok {
		o.FileHashAlgorithm = v
	}
	if v, ok := stored[configPrefix]; ok {
		o.Prefix = v
	}
	return &o, nil
}

// selectFileset picks the fileset named by the options: the newest one at or
// before Time when Time is set, otherwise the Version-th newest.
func selectFileset(filesets []model.Fileset, opts *Options) (model.Fileset, int, error) {
	if len(filesets) == 0 {
		return model.Fileset{}, 0, errors.New("no filesets found")
	}
	if !opts.Time.IsZero() {
		for i, fs := range filesets {
			if !fs.Timestamp.After(opts.Time) {
				return fs, i, nil
			}
		}
		return model.Fileset{}, 0, fmt.Errorf("no fileset at or before %s", opts.Time.Format("2006-01-02 15:04:05"))
	}
	if opts.Version < 0 || opts.Version >= len(filesets) {
		return model.Fileset{}, 0, fmt.Errorf("version %d does not exist, there are %d filesets", opts.Version, len(filesets))
	}
	return filesets[opts.Version], opts.Version, nil
}
