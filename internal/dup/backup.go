package dup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"dup-go/internal/blockhash"
	"dup-go/internal/compression"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// BackupResults summarizes one backup run.
type BackupResults struct {
	AddedFiles     int
	ModifiedFiles  int
	DeletedFiles   int
	UnchangedFiles int
	SkippedFiles   int
	FilesWithError int

	AddedFolders    int
	ModifiedFolders int
	DeletedFolders  int

	AddedSymlinks    int
	ModifiedSymlinks int
	DeletedSymlinks  int

	ExaminedFiles       int
	SizeOfExaminedFiles int64
	SizeOfAddedFiles    int64
	AddedBlocks         int64
	AddedBlockBytes     int64

	VolumesSealed    int
	FilesetTimestamp time.Time
	FilesetUploaded  bool

	DeletedFilesets int
	Compact         *CompactResults
}

func (r *BackupResults) changes() int {
	return r.AddedFiles + r.ModifiedFiles + r.DeletedFiles +
		r.AddedFolders + r.ModifiedFolders + r.DeletedFolders +
		r.AddedSymlinks + r.ModifiedSymlinks + r.DeletedSymlinks
}

// BackupHandler adds a new fileset for the source roots.
type BackupHandler struct {
	db       Database
	snapshot Snapshot
	deps     Deps
	opts     *Options
}

// NewBackupHandler creates a BackupHandler.
func NewBackupHandler(db Database, snapshot Snapshot, deps Deps, opts *Options) *BackupHandler {
	return &BackupHandler{db: db, snapshot: snapshot, deps: deps, opts: opts}
}

// Run backs up sources. It returns once every volume it created has been
// uploaded and the remote listing has been reconciled.
func (h *BackupHandler) Run(ctx context.Context, sources []string) (*BackupResults, error) {
	if len(sources) == 0 {
		return nil, newError(KindInvalidConfiguration, nil, "no source folders given")
	}
	if err := h.opts.Validate(); err != nil {
		return nil, err
	}
	if err := h.preflight(ctx); err != nil {
		return nil, err
	}

	s, err := beginSession(ctx, h.db, h.deps, h.opts, "Backup")
	if err != nil {
		return nil, err
	}
	run := &backupRun{
		s:        s,
		snapshot: h.snapshot,
		sink:     newVolumeSink(s),
		results:  &BackupResults{},
		seen:     make(map[string]bool),
		recorded: make(map[string]bool),
	}
	s.discard = run.discardFileset
	err = run.execute(sources)
	if err != nil {
		run.sink.abort()
	}
	if err := s.finish(err); err != nil {
		return run.results, err
	}

	if err := h.maintain(ctx, run); err != nil {
		return run.results, err
	}
	return run.results, h.verify(ctx)
}

// preflight checks the database and the remote listing, repairing once when
// automatic cleanup is enabled.
func (h *BackupHandler) preflight(ctx context.Context) error {
	err := h.verify(ctx)
	var ce *ConsistencyError
	if errors.As(err, &ce) && h.opts.AutoCleanup {
		h.deps.Logger.Warn("remote listing does not match the database, running cleanup", "error", err)
		if _, cerr := NewCleanupHandler(h.db, h.deps, h.opts).Run(ctx); cerr != nil {
			return fmt.Errorf("automatic cleanup: %w", cerr)
		}
		err = h.verify(ctx)
	}
	return err
}

func (h *BackupHandler) verify(ctx context.Context) error {
	blockAlg, _, err := h.opts.algorithms()
	if err != nil {
		return err
	}
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := ensureConfiguration(ctx, tx, h.opts); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.VerifyConsistency(ctx, h.opts.Blocksize, h.opts.hashesPerBlocklist(blockAlg)); err != nil {
		tx.Rollback()
		return newError(KindConsistencyMismatch, err, "database verification failed")
	}
	if err := verifyRemoteList(ctx, tx, h.deps.Backend, h.opts, h.deps.Logger); err != nil {
		tx.Rollback()
		return err
	}
	if h.opts.DryRun {
		return tx.Rollback()
	}
	return tx.Commit()
}

// maintain applies retention and compacts after a backup. In a dry run the
// results report what would be removed and nothing is changed.
func (h *BackupHandler) maintain(ctx context.Context, run *backupRun) error {
	if h.opts.KeepVersions > 0 || h.opts.KeepTime > 0 {
		res, err := NewDeleteHandler(h.db, h.deps, h.opts).Run(ctx)
		if err != nil {
			return fmt.Errorf("applying retention: %w", err)
		}
		run.results.DeletedFilesets = len(res.DeletedFilesets)
		run.results.Compact = res.Compact
		return nil
	}
	if h.opts.NoAutoCompact || run.sink.sealed == 0 || run.sink.lastSize >= h.opts.VolumeSize/2 {
		return nil
	}
	res, err := NewCompactHandler(h.db, h.deps, h.opts).Run(ctx)
	if err != nil {
		return fmt.Errorf("compacting: %w", err)
	}
	run.results.Compact = res
	return nil
}

type backupRun struct {
	s        *session
	snapshot Snapshot
	sink     *volumeSink
	chunker  *blockhash.Chunker
	results  *BackupResults

	fileset model.Fileset
	prev    map[string]model.FileEntry
	seen    map[string]bool
	// recorded holds paths already added to the new fileset.
	recorded map[string]bool
}

func (r *backupRun) execute(sources []string) error {
	s := r.s
	if err := ensureConfiguration(s.ctx, s.tx, s.opts); err != nil {
		return err
	}
	chunker, err := blockhash.NewChunker(int(s.opts.Blocksize), s.blockAlg, s.fileAlg)
	if err != nil {
		return newError(KindInvalidConfiguration, err, "blocksize")
	}
	r.chunker = chunker

	filesets, err := s.tx.ListFilesets(s.ctx)
	if err != nil {
		return fmt.Errorf("listing filesets: %w", err)
	}
	ts := s.clock.Now().UTC().Truncate(time.Second)
	r.prev = make(map[string]model.FileEntry)
	if len(filesets) > 0 {
		last := filesets[0]
		entries, err := s.tx.FilesetEntries(s.ctx, last.ID)
		if err != nil {
			return fmt.Errorf("reading previous fileset: %w", err)
		}
		for _, e := range entries {
			r.prev[e.Path] = e
		}
		if !ts.After(last.Timestamp) {
			ts = last.Timestamp.Add(time.Second)
		}
	}

	name := volume.NewName(s.opts.Prefix, model.VolumeFiles, ts, s.module.Name(), s.bm.EncryptionModule())
	volID, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, name.String(), model.VolumeFiles, model.StateTemporary)
	if err != nil {
		return fmt.Errorf("registering volume: %w", err)
	}
	filesetID, err := s.tx.CreateFileset(s.ctx, s.opID, volID, ts, true)
	if err != nil {
		return fmt.Errorf("creating fileset: %w", err)
	}
	r.fileset = model.Fileset{ID: filesetID, OperationID: s.opID, VolumeID: volID, VolumeName: name.String(), Timestamp: ts, IsFull: true}
	r.results.FilesetTimestamp = ts
	s.logger.Info("backup started", "sources", len(sources), "fileset", ts.Format(time.RFC3339))

	if err := r.snapshot.Walk(s.ctx, sources, r.visit); err != nil {
		return err
	}
	r.countDeleted()

	if err := r.sink.seal(); err != nil {
		return err
	}
	r.results.VolumesSealed = r.sink.sealed
	// The fileset must not reach the backend before the blocks it uses.
	if err := s.bm.WaitForComplete(s.ctx, s.tx); err != nil {
		return err
	}

	if r.results.changes() == 0 && !s.opts.UploadUnchangedBackups && len(filesets) > 0 {
		s.logger.Info("no changes found, skipping fileset upload")
		if err := s.tx.DeleteFileset(s.ctx, filesetID); err != nil {
			return fmt.Errorf("discarding fileset: %w", err)
		}
		if err := s.tx.RemoveRemoteVolume(s.ctx, name.String()); err != nil {
			return fmt.Errorf("discarding volume: %w", err)
		}
	} else {
		item, err := writeFilesetVolume(s, r.fileset, name, true, s.opts.ControlFiles)
		if err != nil {
			return err
		}
		if err := s.tx.UpdateRemoteVolume(s.ctx, item.Name, model.StateUploading, item.Size, item.Hash); err != nil {
			s.bm.Discard(item)
			return fmt.Errorf("updating volume: %w", err)
		}
		if err := s.checkpoint(); err != nil {
			s.bm.Discard(item)
			return err
		}
		if err := s.bm.Put(s.ctx, item, nil); err != nil {
			return err
		}
		r.results.FilesetUploaded = true
	}

	if err := s.bm.WaitForComplete(s.ctx, s.tx); err != nil {
		return err
	}
	s.logger.Info("backup finished",
		"added", r.results.AddedFiles, "modified", r.results.ModifiedFiles,
		"deleted", r.results.DeletedFiles, "errors", r.results.FilesWithError,
		"volumes", r.results.VolumesSealed)
	return nil
}

// discardFileset removes the fileset of a failed run when its Files volume
// never left the Temporary state. Blocks it stored stay registered and are
// reclaimed by compaction.
func (r *backupRun) discardFileset(ctx context.Context, tx Tx) error {
	if r.fileset.ID == 0 {
		return nil
	}
	vol, err := tx.GetRemoteVolume(ctx, r.fileset.VolumeName)
	if err != nil {
		return err
	}
	if vol == nil || vol.State != model.StateTemporary {
		return nil
	}
	r.s.logger.Warn("removing incomplete fileset", "volume", vol.Name)
	if err := tx.DeleteFileset(ctx, r.fileset.ID); err != nil {
		return fmt.Errorf("deleting fileset: %w", err)
	}
	if err := tx.RemoveRemoteVolume(ctx, vol.Name); err != nil {
		return fmt.Errorf("removing volume %s: %w", vol.Name, err)
	}
	return nil
}

// sourceError marks failures reading the source, which are counted and
// skipped rather than aborting the backup.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &sourceError{err: err}
	}
	return n, err
}

func (r *backupRun) visit(e SourceEntry, walkErr error) error {
	s := r.s
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if walkErr != nil {
		return r.fileError(e.Path, walkErr)
	}
	if r.seen[e.Path] {
		return nil
	}
	r.seen[e.Path] = true
	r.recorded[e.Path] = true
	prev, hasPrev := r.prev[e.Path]

	metaID, err := r.storeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	switch e.Type {
	case model.EntryFolder, model.EntrySymlink:
		blocksetID := model.FolderBlocksetID
		if e.Type == model.EntrySymlink {
			blocksetID = model.SymlinkBlocksetID
		}
		if hasPrev && prev.Type == e.Type && prev.MetadataID == metaID {
			return r.carry(prev)
		}
		if _, err := s.tx.AddFileEntry(s.ctx, r.fileset.ID, e.Path, blocksetID, metaID, e.ModTime); err != nil {
			return fmt.Errorf("adding %s: %w", e.Path, err)
		}
		r.count(e.Type, hasPrev && prev.Type == e.Type)
		return nil
	}

	r.results.ExaminedFiles++
	r.results.SizeOfExaminedFiles += e.Size
	if s.opts.SkipFilesLargerThan > 0 && e.Size > s.opts.SkipFilesLargerThan {
		s.logger.Info("skipping file larger than the size limit", "path", e.Path, "size", e.Size)
		r.results.SkippedFiles++
		return nil
	}
	if hasPrev && prev.Type == model.EntryFile && prev.LastModified.Equal(e.ModTime) &&
		prev.Size == e.Size && prev.MetadataID == metaID {
		return r.carry(prev)
	}

	blocksetID, res, err := r.storeFile(e)
	var se *sourceError
	if errors.As(err, &se) {
		r.recorded[e.Path] = false
		return r.fileError(e.Path, err)
	}
	if err != nil {
		return err
	}
	if _, err := s.tx.AddFileEntry(s.ctx, r.fileset.ID, e.Path, blocksetID, metaID, e.ModTime); err != nil {
		return fmt.Errorf("adding %s: %w", e.Path, err)
	}

	switch {
	case !hasPrev || prev.Type != model.EntryFile:
		r.results.AddedFiles++
		r.results.SizeOfAddedFiles += res.Size
		s.bm.metrics.entries.WithLabelValues("added").Inc()
		s.logger.Debug("added file", "path", e.Path, "size", res.Size)
	case prev.Hash != res.Hash || prev.MetadataID != metaID:
		r.results.ModifiedFiles++
		r.results.SizeOfAddedFiles += res.Size
		s.bm.metrics.entries.WithLabelValues("modified").Inc()
		s.logger.Debug("modified file", "path", e.Path, "size", res.Size)
	default:
		r.results.UnchangedFiles++
		s.bm.metrics.entries.WithLabelValues("unchanged").Inc()
	}
	return nil
}

// carry adds the previous version of an entry to the new fileset unchanged.
func (r *backupRun) carry(prev model.FileEntry) error {
	if err := r.s.tx.AppendFileEntry(r.s.ctx, r.fileset.ID, prev.FileID, prev.LastModified); err != nil {
		return fmt.Errorf("carrying %s forward: %w", prev.Path, err)
	}
	if prev.Type == model.EntryFile {
		r.results.UnchangedFiles++
		r.s.bm.metrics.entries.WithLabelValues("unchanged").Inc()
	}
	return nil
}

// fileError records a source failure. The previous version of the entry, if
// any, is kept in the new fileset unless the path was already recorded.
func (r *backupRun) fileError(path string, err error) error {
	r.s.logger.Warn("failed to process path", "path", path, "error", err)
	r.results.FilesWithError++
	r.s.bm.metrics.entries.WithLabelValues("error").Inc()
	if path == "" || r.recorded[path] {
		return nil
	}
	r.seen[path] = true
	r.recorded[path] = true
	if prev, ok := r.prev[path]; ok {
		if err := r.s.tx.AppendFileEntry(r.s.ctx, r.fileset.ID, prev.FileID, prev.LastModified); err != nil {
			return fmt.Errorf("carrying %s forward: %w", path, err)
		}
	}
	return nil
}

func (r *backupRun) count(typ model.EntryType, modified bool) {
	switch {
	case typ == model.EntryFolder && modified:
		r.results.ModifiedFolders++
	case typ == model.EntryFolder:
		r.results.AddedFolders++
	case typ == model.EntrySymlink && modified:
		r.results.ModifiedSymlinks++
	case typ == model.EntrySymlink:
		r.results.AddedSymlinks++
	}
}

func (r *backupRun) countDeleted() {
	for path, p := range r.prev {
		if r.seen[path] {
			continue
		}
		switch p.Type {
		case model.EntryFile:
			r.results.DeletedFiles++
		case model.EntryFolder:
			r.results.DeletedFolders++
		case model.EntrySymlink:
			r.results.DeletedSymlinks++
		}
	}
}

func (r *backupRun) storeMetadata(meta map[string]string) (int64, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	blocksetID, _, err := r.storeStream(bytes.NewReader(blob), compression.Compressible)
	if err != nil {
		return 0, err
	}
	id, err := r.s.tx.FindOrInsertMetadataset(r.s.ctx, blocksetID)
	if err != nil {
		return 0, fmt.Errorf("storing metadata: %w", err)
	}
	return id, nil
}

func (r *backupRun) storeFile(e SourceEntry) (int64, *blockhash.Result, error) {
	f, err := r.snapshot.Open(e.Path)
	if err != nil {
		return 0, nil, &sourceError{err: err}
	}
	defer f.Close()
	return r.storeStream(&sourceReader{r: f}, compression.HintForPath(e.Path))
}

// storeStream chunks rd, stores every new block and returns the blockset.
func (r *backupRun) storeStream(rd io.Reader, hint compression.Hint) (int64, *blockhash.Result, error) {
	s := r.s
	var blockIDs []int64
	res, err := r.chunker.Chunk(rd,
		func(b blockhash.Block) error {
			id, err := r.addBlock(b.Hash, b.Data, hint, false)
			blockIDs = append(blockIDs, id)
			return err
		},
		func(b blockhash.Block) error {
			_, err := r.addBlock(b.Hash, b.Data, compression.Noncompressible, true)
			return err
		})
	if err != nil {
		return 0, nil, err
	}

	id, found, err := s.tx.FindBlockset(s.ctx, res.Hash, res.Size)
	if err != nil {
		return 0, nil, fmt.Errorf("finding blockset: %w", err)
	}
	if found {
		return id, res, nil
	}
	id, err = s.tx.InsertBlockset(s.ctx, res.Hash, res.Size, blockIDs, res.Blocklists)
	if err != nil {
		return 0, nil, fmt.Errorf("inserting blockset: %w", err)
	}
	return id, res, nil
}

// addBlock stores a block unless one with the same hash and size exists.
func (r *backupRun) addBlock(hash string, data []byte, hint compression.Hint, blocklist bool) (int64, error) {
	s := r.s
	size := int64(len(data))
	existing, err := s.tx.FindBlock(s.ctx, hash, size)
	if err != nil {
		return 0, fmt.Errorf("finding block: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	volID, err := r.sink.add(hash, data, hint, blocklist)
	if err != nil {
		return 0, err
	}
	id, err := s.tx.InsertBlock(s.ctx, hash, size, volID)
	if err != nil {
		return 0, fmt.Errorf("inserting block: %w", err)
	}
	r.results.AddedBlocks++
	r.results.AddedBlockBytes += size

	if r.sink.full() {
		if err := r.sink.seal(); err != nil {
			return 0, err
		}
	}
	return id, nil
}
