package dup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/mmap"

	"dup-go/internal/blockhash"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// RestoreResults summarizes a restore run.
type RestoreResults struct {
	FilesetTimestamp    time.Time
	RestoredFiles       int
	RestoredFolders     int
	RestoredSymlinks    int
	SkippedFiles        int
	SizeOfRestoredFiles int64
	BlocksFromTarget    int64
	BlocksFromLocal     int64
	BlocksFromRemote    int64
	VolumesDownloaded   int
	VerificationErrors  int
	MetadataErrors      int
}

// RestoreHandler reconstructs files from a fileset.
type RestoreHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewRestoreHandler creates a RestoreHandler. db may be nil, in which case a
// temporary database is recreated from the remote store.
func NewRestoreHandler(db Database, deps Deps, opts *Options) *RestoreHandler {
	return &RestoreHandler{db: db, deps: deps, opts: opts}
}

// Run restores the entries of the selected fileset matching filter. An empty
// filter restores everything. Entries are written below RestorePath, or to
// their original locations when RestorePath is empty.
func (h *RestoreHandler) Run(ctx context.Context, filter []string) (*RestoreResults, error) {
	db, opts := h.db, h.opts
	if db == nil {
		tmp, cleanup, err := recreateTemporary(ctx, h.deps, h.opts)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		db = tmp
		o := *h.opts
		o.Time, o.Version = time.Time{}, 0
		opts = &o
	}

	opts, err := loadStoredOptions(ctx, db, opts)
	if err != nil {
		return nil, err
	}
	s, err := beginSession(ctx, db, h.deps, opts, "Restore")
	if err != nil {
		return nil, err
	}
	r := &restoreRun{s: s, res: &RestoreResults{}, files: newFileCache()}
	err = r.execute(filter)
	r.files.closeAll()
	return r.res, s.finish(err)
}

// loadStoredOptions reads the layout settings the database was created with.
func loadStoredOptions(ctx context.Context, db Database, opts *Options) (*Options, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	return storedOptions(ctx, tx, opts)
}

// recreateTemporary rebuilds a database holding only the fileset the options
// select, in a temporary directory removed by the returned cleanup.
func recreateTemporary(ctx context.Context, deps Deps, opts *Options) (Database, func(), error) {
	if deps.OpenDatabase == nil {
		return nil, nil, newError(KindDatabaseMissing, nil, "no local database and no way to create a temporary one")
	}
	dir, err := os.MkdirTemp("", "dup-recreate-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating temporary directory: %w", err)
	}
	db, err := deps.OpenDatabase(filepath.Join(dir, "recreate.sqlite"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	o := *opts
	o.DryRun = false
	deps.Logger.Info("no local database, recreating a temporary one", "path", db.Path())
	if _, err := NewRecreateDatabaseHandler(db, deps, &o).Run(ctx, NearestFileset(opts)); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("recreating temporary database: %w", err)
	}
	return db, cleanup, nil
}

// restoreItem is one blockset being reassembled: file content written to
// disk, or metadata collected in memory.
type restoreItem struct {
	entry  model.FileEntry
	target string
	// existing is the differing file left at the original target path when
	// the restore goes to a versioned name.
	existing  string
	blocks    []model.BlockRef
	done      []bool
	remaining int
	meta      []byte
	isMeta    bool
}

type restoreRun struct {
	s     *session
	res   *RestoreResults
	files *fileCache

	content []*restoreItem
	meta    []*restoreItem
	readers map[string]*mmap.ReaderAt
}

func (r *restoreRun) execute(filter []string) error {
	s := r.s
	filesets, err := s.tx.ListFilesets(s.ctx)
	if err != nil {
		return fmt.Errorf("listing filesets: %w", err)
	}
	fileset, _, err := selectFileset(filesets, s.opts)
	if err != nil {
		return err
	}
	r.res.FilesetTimestamp = fileset.Timestamp

	entries, err := s.tx.FilesetEntries(s.ctx, fileset.ID)
	if err != nil {
		return fmt.Errorf("reading fileset entries: %w", err)
	}
	entries = filterEntries(entries, filter)
	if len(entries) == 0 {
		return fmt.Errorf("no entries in the fileset from %s match the filter", fileset.Timestamp.Format(time.RFC3339))
	}
	mapTarget := targetMapper(entries, s.opts.RestorePath)

	if s.opts.DryRun {
		for _, e := range entries {
			s.logger.Info("Would restore", "path", e.Path, "target", mapTarget(e.Path), "type", e.Type)
			r.count(e)
		}
		return nil
	}

	r.readers = make(map[string]*mmap.ReaderAt)
	defer func() {
		for _, rd := range r.readers {
			rd.Close()
		}
	}()

	if err := r.plan(entries, mapTarget, fileset.Timestamp); err != nil {
		return err
	}
	if err := r.scanTargets(); err != nil {
		return err
	}
	if !s.opts.NoLocalBlocks {
		if err := r.scanLocalSources(); err != nil {
			return err
		}
	}
	if err := r.fetchRemote(); err != nil {
		return err
	}
	for _, it := range append(r.content, r.meta...) {
		if it.remaining > 0 {
			return newError(KindBlocksMissing, nil, "%d blocks of %s could not be found in any source", it.remaining, it.entry.Path)
		}
	}
	if err := r.files.closeAll(); err != nil {
		return err
	}

	r.verify()
	r.applyMetadata()
	s.logger.Info("restore finished",
		"files", r.res.RestoredFiles, "folders", r.res.RestoredFolders,
		"symlinks", r.res.RestoredSymlinks, "errors", r.res.VerificationErrors)
	return nil
}

func (r *restoreRun) count(e model.FileEntry) {
	switch e.Type {
	case model.EntryFile:
		r.res.RestoredFiles++
		r.res.SizeOfRestoredFiles += e.Size
	case model.EntryFolder:
		r.res.RestoredFolders++
	case model.EntrySymlink:
		r.res.RestoredSymlinks++
	}
}

// plan creates folders, picks target paths and lists the blocks needed.
func (r *restoreRun) plan(entries []model.FileEntry, mapTarget func(string) string, ts time.Time) error {
	s := r.s
	for _, e := range entries {
		target := mapTarget(e.Path)
		switch e.Type {
		case model.EntryFolder:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating folder %s: %w", target, err)
			}
		case model.EntryFile:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating folder for %s: %w", target, err)
			}
			existing := ""
			if info, err := os.Lstat(target); err == nil && !s.opts.Overwrite {
				if info.Mode().IsRegular() && info.Size() == e.Size && r.matchesHash(target, e.Hash) {
					s.logger.Debug("target already holds the file", "path", target)
					r.res.SkippedFiles++
					if err := r.addMeta(e, target); err != nil {
						return err
					}
					continue
				}
				existing = target
				target = versionedName(target, ts)
			}
			blocks, err := s.tx.BlocksetEntries(s.ctx, e.BlocksetID)
			if err != nil {
				return fmt.Errorf("reading blocks of %s: %w", e.Path, err)
			}
			r.content = append(r.content, &restoreItem{
				entry: e, target: target, existing: existing, blocks: blocks,
				done: make([]bool, len(blocks)), remaining: len(blocks),
			})
		case model.EntrySymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating folder for %s: %w", target, err)
			}
		}
		r.count(e)
		if err := r.addMeta(e, target); err != nil {
			return err
		}
	}
	return nil
}

func (r *restoreRun) addMeta(e model.FileEntry, target string) error {
	if e.MetaBlocksetID == 0 {
		return nil
	}
	blocks, err := r.s.tx.BlocksetEntries(r.s.ctx, e.MetaBlocksetID)
	if err != nil {
		return fmt.Errorf("reading metadata blocks of %s: %w", e.Path, err)
	}
	r.meta = append(r.meta, &restoreItem{
		entry: e, target: target, blocks: blocks, isMeta: true,
		done: make([]bool, len(blocks)), remaining: len(blocks),
		meta: make([]byte, e.MetaSize),
	})
	return nil
}

func (r *restoreRun) matchesHash(path, hash string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	h := r.s.fileAlg.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return blockhash.Encode(h.Sum(nil)) == hash
}

// write places one block into an item.
func (r *restoreRun) write(it *restoreItem, i int, data []byte) error {
	if it.done[i] {
		return nil
	}
	off := it.blocks[i].Index * r.s.opts.Blocksize
	if it.isMeta {
		copy(it.meta[off:], data)
	} else if err := r.files.writeAt(it.target, data, off); err != nil {
		return fmt.Errorf("writing %s: %w", it.target, err)
	}
	it.done[i] = true
	it.remaining--
	return nil
}

// scanTargets reuses blocks already present in existing target files, then
// sizes every target to its final length.
func (r *restoreRun) scanTargets() error {
	s := r.s
	for _, it := range r.content {
		f, err := os.Open(it.target)
		if err == nil {
			buf := make([]byte, s.opts.Blocksize)
			for i, b := range it.blocks {
				n, _ := f.ReadAt(buf[:b.Size], b.Index*s.opts.Blocksize)
				if int64(n) == b.Size && s.blockAlg.Sum(buf[:n]) == b.Hash {
					it.done[i] = true
					it.remaining--
					r.res.BlocksFromTarget++
				}
			}
			f.Close()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("opening %s: %w", it.target, err)
		}

		out, err := os.OpenFile(it.target, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", it.target, err)
		}
		err = out.Truncate(it.entry.Size)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("sizing %s: %w", it.target, err)
		}
		if it.existing != "" {
			if err := r.scanExisting(it); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanExisting copies the blocks that still match from the file at the
// original target path into the versioned target.
func (r *restoreRun) scanExisting(it *restoreItem) error {
	f, err := os.Open(it.existing)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, r.s.opts.Blocksize)
	for i, b := range it.blocks {
		if it.done[i] {
			continue
		}
		n, _ := f.ReadAt(buf[:b.Size], b.Index*r.s.opts.Blocksize)
		if int64(n) != b.Size || r.s.blockAlg.Sum(buf[:n]) != b.Hash {
			continue
		}
		if err := r.write(it, i, buf[:n]); err != nil {
			return err
		}
		r.res.BlocksFromTarget++
	}
	return nil
}

func (r *restoreRun) reader(path string) *mmap.ReaderAt {
	if rd, ok := r.readers[path]; ok {
		return rd
	}
	rd, err := mmap.Open(path)
	if err != nil {
		rd = nil
	}
	r.readers[path] = rd
	return rd
}

// tryLocal copies block i of it from path at off if the bytes there match.
func (r *restoreRun) tryLocal(it *restoreItem, i int, path string, off int64, buf []byte) (bool, error) {
	rd := r.reader(path)
	if rd == nil {
		return false, nil
	}
	b := it.blocks[i]
	if off+b.Size > int64(rd.Len()) {
		return false, nil
	}
	n, err := rd.ReadAt(buf[:b.Size], off)
	if err != nil || int64(n) != b.Size || r.s.blockAlg.Sum(buf[:n]) != b.Hash {
		return false, nil
	}
	if err := r.write(it, i, buf[:n]); err != nil {
		return false, err
	}
	r.res.BlocksFromLocal++
	return true, nil
}

// scanLocalSources copies blocks from files on disk that are recorded as
// holding them: first files with the same content, then any recorded file
// containing the block.
func (r *restoreRun) scanLocalSources() error {
	s := r.s
	buf := make([]byte, s.opts.Blocksize)
	for _, it := range r.content {
		if it.remaining == 0 {
			continue
		}
		paths, err := s.tx.PathsWithBlockset(s.ctx, it.entry.BlocksetID)
		if err != nil {
			return fmt.Errorf("finding copies of %s: %w", it.entry.Path, err)
		}
		for _, p := range paths {
			if p == it.target || it.remaining == 0 {
				continue
			}
			for i, b := range it.blocks {
				if it.done[i] {
					continue
				}
				if _, err := r.tryLocal(it, i, p, b.Index*s.opts.Blocksize, buf); err != nil {
					return err
				}
			}
		}
	}

	for _, it := range r.content {
		for i, b := range it.blocks {
			if it.done[i] {
				continue
			}
			sources, err := s.tx.BlockSources(s.ctx, b.Hash, b.Size)
			if err != nil {
				return fmt.Errorf("finding block sources: %w", err)
			}
			for _, src := range sources {
				if src.Path == it.target {
					continue
				}
				ok, err := r.tryLocal(it, i, src.Path, src.Offset, buf)
				if err != nil {
					return err
				}
				if ok {
					break
				}
			}
		}
	}
	return nil
}

type blockNeed struct {
	item  *restoreItem
	index int
}

// fetchRemote downloads the volumes holding the remaining blocks.
func (r *restoreRun) fetchRemote() error {
	s := r.s
	needs := make(map[int64]map[string][]blockNeed)
	for _, it := range append(r.content, r.meta...) {
		for i, b := range it.blocks {
			if it.done[i] {
				continue
			}
			if b.VolumeID <= 0 {
				return newError(KindBlocksMissing, nil, "block %s of %s is not stored in any volume", b.Hash, it.entry.Path)
			}
			byHash, ok := needs[b.VolumeID]
			if !ok {
				byHash = make(map[string][]blockNeed)
				needs[b.VolumeID] = byHash
			}
			key := blockKey(b.Hash, b.Size)
			byHash[key] = append(byHash[key], blockNeed{item: it, index: i})
		}
	}
	if len(needs) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(needs))
	for id := range needs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	vols := make([]model.RemoteVolume, 0, len(ids))
	for _, id := range ids {
		v, err := s.tx.GetRemoteVolumeByID(s.ctx, id)
		if err != nil {
			return fmt.Errorf("reading volume %d: %w", id, err)
		}
		vols = append(vols, *v)
	}

	return s.bm.DownloadAll(s.ctx, vols, func(vol model.RemoteVolume, path string) error {
		r.res.VolumesDownloaded++
		reader, err := volume.OpenBlockVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", vol.Name, err)
		}
		defer reader.Close()
		for _, list := range needs[vol.ID] {
			b := list[0].item.blocks[list[0].index]
			data, err := reader.ReadBlock(b.Hash)
			if err != nil {
				return newError(KindBlocksMissing, err, "block %s in %s", b.Hash, vol.Name)
			}
			if int64(len(data)) != b.Size || s.blockAlg.Sum(data) != b.Hash {
				return newError(KindContentVerificationFailed, nil, "block %s in %s is corrupt", b.Hash, vol.Name)
			}
			for _, n := range list {
				if err := r.write(n.item, n.index, data); err != nil {
					return err
				}
			}
			r.res.BlocksFromRemote++
		}
		return nil
	})
}

// verify compares every restored file with its recorded hash. Mismatches are
// reported but do not stop the restore.
func (r *restoreRun) verify() {
	s := r.s
	for _, it := range r.content {
		info, err := os.Stat(it.target)
		if err != nil || info.Size() != it.entry.Size || !r.matchesHash(it.target, it.entry.Hash) {
			s.logger.Warn("restored file failed verification", "path", it.target)
			r.res.VerificationErrors++
		}
	}
}

// applyMetadata creates symlinks and applies attributes, deepest folders last.
func (r *restoreRun) applyMetadata() {
	s := r.s
	var folders []*restoreItem
	for _, it := range r.meta {
		var meta map[string]string
		if err := json.Unmarshal(it.meta, &meta); err != nil {
			s.logger.Warn("invalid metadata", "path", it.entry.Path, "error", err)
			r.res.MetadataErrors++
			continue
		}
		switch it.entry.Type {
		case model.EntryFolder:
			folders = append(folders, it)
			continue
		case model.EntrySymlink:
			if err := restoreSymlink(it.target, meta, s.opts.Overwrite); err != nil {
				s.logger.Warn("failed to restore symlink", "path", it.target, "error", err)
				r.res.MetadataErrors++
				continue
			}
		}
		if err := applyMetadata(it.target, meta, it.entry.Type == model.EntrySymlink); err != nil {
			s.logger.Warn("failed to apply metadata", "path", it.target, "error", err)
			r.res.MetadataErrors++
		}
	}

	sort.Slice(folders, func(i, j int) bool { return len(folders[i].target) > len(folders[j].target) })
	for _, it := range folders {
		var meta map[string]string
		json.Unmarshal(it.meta, &meta)
		if err := applyMetadata(it.target, meta, false); err != nil {
			s.logger.Warn("failed to apply metadata", "path", it.target, "error", err)
			r.res.MetadataErrors++
		}
	}
}

// filterEntries keeps entries matching any filter. A filter with glob
// characters is matched against the whole path; otherwise it selects that
// path and everything below it.
func filterEntries(entries []model.FileEntry, filter []string) []model.FileEntry {
	if len(filter) == 0 {
		return entries
	}
	var out []model.FileEntry
	for _, e := range entries {
		if matchesFilter(e.Path, filter) {
			out = append(out, e)
		}
	}
	return out
}

func matchesFilter(path string, filter []string) bool {
	for _, f := range filter {
		if strings.ContainsAny(f, "*?[") {
			if ok, _ := filepath.Match(f, path); ok {
				return true
			}
			continue
		}
		f = strings.TrimSuffix(f, string(filepath.Separator))
		if path == f || strings.HasPrefix(path, f+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// targetMapper maps recorded paths below restorePath, removing the longest
// folder prefix the entries share.
func targetMapper(entries []model.FileEntry, restorePath string) func(string) string {
	if restorePath == "" {
		return func(p string) string { return p }
	}
	var common []string
	for i, e := range entries {
		dir := e.Path
		if e.Type != model.EntryFolder {
			dir = filepath.Dir(e.Path)
		}
		parts := splitPath(dir)
		if i == 0 {
			common = parts
			continue
		}
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	prefix := strings.Join(common, string(filepath.Separator))
	return func(p string) string {
		rel := strings.TrimPrefix(strings.Join(splitPath(p), string(filepath.Separator)), prefix)
		return filepath.Join(restorePath, rel)
	}
}

func splitPath(p string) []string {
	return strings.Split(filepath.Clean(p), string(filepath.Separator))
}

// versionedName returns a sibling name tagged with the fileset time that does
// not exist yet.
func versionedName(path string, ts time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := fmt.Sprintf("%s.%s%s", base, ts.UTC().Format("20060102-150405"), ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%s.%d%s", base, ts.UTC().Format("20060102-150405"), i, ext)
	}
}

// fileCache keeps a bounded number of restore targets open for writing.
type fileCache struct {
	open map[string]*os.File
}

const maxOpenFiles = 64

func newFileCache() *fileCache {
	return &fileCache{open: make(map[string]*os.File)}
}

func (c *fileCache) writeAt(path string, data []byte, off int64) error {
	f, ok := c.open[path]
	if !ok {
		if len(c.open) >= maxOpenFiles {
			if err := c.closeAll(); err != nil {
				return err
			}
		}
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		c.open[path] = f
	}
	_, err := f.WriteAt(data, off)
	return err
}

func (c *fileCache) closeAll() error {
	var first error
	for path, f := range c.open {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.open, path)
	}
	return first
}
