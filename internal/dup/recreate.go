package dup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dup-go/internal/blockhash"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// FilesetFilter picks the Files volumes to replay. Names arrive oldest first.
type FilesetFilter func(names []volume.Name) []volume.Name

// NearestFileset selects the newest fileset at or before opts.Time, or the
// opts.Version-th newest when no time is set.
func NearestFileset(opts *Options) FilesetFilter {
	t, version := opts.Time, opts.Version
	return func(names []volume.Name) []volume.Name {
		if !t.IsZero() {
			for i := len(names) - 1; i >= 0; i-- {
				if !names[i].Time.After(t) {
					return names[i : i+1]
				}
			}
			return nil
		}
		i := len(names) - 1 - version
		if i < 0 || i >= len(names) {
			return nil
		}
		return names[i : i+1]
	}
}

// RecreateResults summarizes a recreate run.
type RecreateResults struct {
	Filesets            int
	IndexVolumes        int
	BlockVolumesScanned int
	Blocks              int64
	SkippedEntries      int
	// Partial is set when a filter skipped some filesets. Such a database
	// only serves reads.
	Partial bool
}

// RecreateDatabaseHandler rebuilds an empty database from the remote store.
type RecreateDatabaseHandler struct {
	db   Database
	deps Deps
	opts *Options
}

// NewRecreateDatabaseHandler creates a RecreateDatabaseHandler.
func NewRecreateDatabaseHandler(db Database, deps Deps, opts *Options) *RecreateDatabaseHandler {
	return &RecreateDatabaseHandler{db: db, deps: deps, opts: opts}
}

// Run rebuilds the database. filter may be nil to replay every fileset. When
// the final consistency check fails, the rebuilt data is kept for
// inspection and an error is returned.
func (h *RecreateDatabaseHandler) Run(ctx context.Context, filter FilesetFilter) (*RecreateResults, error) {
	o := *h.opts
	s, err := beginSession(ctx, h.db, h.deps, &o, "Recreate")
	if err != nil {
		return nil, err
	}
	r := &recreateRun{s: s, res: &RecreateResults{}, blocklists: make(map[string][]byte)}
	err = r.execute(filter)
	return r.res, s.finish(err)
}

var errMissingBlocklist = errors.New("blocklist not available")

type deferredEntry struct {
	filesetID int64
	entry     volume.FilelistEntry
}

type recreateRun struct {
	s            *session
	res          *RecreateResults
	blocklists   map[string][]byte
	deferred     []deferredEntry
	manifestSeen bool
}

func (r *recreateRun) execute(filter FilesetFilter) error {
	s := r.s
	existing, err := s.tx.ListRemoteVolumes(s.ctx)
	if err != nil {
		return fmt.Errorf("listing volumes: %w", err)
	}
	if len(existing) > 0 {
		return newError(KindInvalidConfiguration, nil, "the database at %s is not empty", s.db.Path())
	}

	listing, err := listRemote(s.ctx, s.bm, s.opts, s.logger)
	if err != nil {
		return err
	}
	if len(listing.volumes) == 0 {
		if len(listing.foreign) > 0 {
			var prefixes []string
			for p := range listing.foreign {
				prefixes = append(prefixes, p)
			}
			sort.Strings(prefixes)
			return newError(KindInvalidConfiguration, nil, "no volumes with prefix %q, but found volumes with prefixes %s", s.opts.Prefix, strings.Join(prefixes, ", "))
		}
		return newError(KindInvalidConfiguration, nil, "no volumes found on the remote store")
	}
	filesNames := listing.namesOfType(model.VolumeFiles)
	if len(filesNames) == 0 {
		return newError(KindConsistencyMismatch, nil, "no filesets found on the remote store")
	}
	total := len(filesNames)
	if filter != nil {
		filesNames = filter(filesNames)
		if len(filesNames) == 0 {
			return newError(KindInvalidConfiguration, nil, "no fileset matches the requested version")
		}
	}
	if len(listing.unparseable) > 0 {
		s.logger.Warn("ignoring remote files outside the volume scheme", "count", len(listing.unparseable))
	}

	names := make([]string, 0, len(listing.volumes))
	for name := range listing.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := listing.parsed[name]
		if _, err := s.tx.RegisterRemoteVolume(s.ctx, s.opID, name, n.Type, model.StateVerified); err != nil {
			return fmt.Errorf("registering volume: %w", err)
		}
		if err := s.tx.UpdateRemoteVolume(s.ctx, name, model.StateVerified, listing.volumes[name], ""); err != nil {
			return fmt.Errorf("updating volume: %w", err)
		}
	}

	if err := r.readIndexes(listing); err != nil {
		return err
	}
	if err := r.scanUnindexed(listing); err != nil {
		return err
	}
	if err := s.checkpoint(); err != nil {
		return err
	}
	if err := r.replayFilesets(filesNames); err != nil {
		return err
	}
	if err := r.resolveDeferred(); err != nil {
		return err
	}
	if err := ensureConfiguration(s.ctx, s.tx, s.opts); err != nil {
		return err
	}
	if len(filesNames) < total {
		r.res.Partial = true
		s.logger.Warn("database holds a subset of the remote filesets and is read-only", "replayed", len(filesNames), "remote", total)
		if err := s.tx.SetConfiguration(s.ctx, configPartial, fmt.Sprintf("%d of %d", len(filesNames), total)); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	}
	if err := s.checkpoint(); err != nil {
		return err
	}

	if err := s.tx.VerifyConsistency(s.ctx, s.opts.Blocksize, s.hashesPerBlocklist()); err != nil {
		return newError(KindConsistencyMismatch, err, "recreated database is inconsistent and was kept at %s", s.db.Path())
	}
	s.logger.Info("database recreated",
		"filesets", r.res.Filesets, "index", r.res.IndexVolumes,
		"scanned", r.res.BlockVolumesScanned, "blocks", r.res.Blocks)
	return nil
}

// checkManifest adopts the layout recorded in the first volume read and
// rejects volumes that disagree with it.
func (r *recreateRun) checkManifest(m volume.Manifest) error {
	s := r.s
	same := m.Blocksize == s.opts.Blocksize && m.BlockHash == s.opts.BlockHashAlgorithm && m.FileHash == s.opts.FileHashAlgorithm
	if same {
		r.manifestSeen = true
		return nil
	}
	if r.manifestSeen {
		return newError(KindConsistencyMismatch, nil, "volumes disagree on the layout: blocksize %d %s/%s", m.Blocksize, m.BlockHash, m.FileHash)
	}
	r.manifestSeen = true
	s.logger.Info("using the layout recorded in the volumes", "blocksize", m.Blocksize, "block-hash", m.BlockHash, "file-hash", m.FileHash)
	s.opts.Blocksize, s.opts.BlockHashAlgorithm, s.opts.FileHashAlgorithm = m.Blocksize, m.BlockHash, m.FileHash
	blockAlg, fileAlg, err := s.opts.algorithms()
	if err != nil {
		return err
	}
	s.blockAlg, s.fileAlg = blockAlg, fileAlg
	return nil
}

func (r *recreateRun) volumesOfType(typ model.VolumeType) ([]model.RemoteVolume, error) {
	vols, err := r.s.tx.ListRemoteVolumes(r.s.ctx)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	var out []model.RemoteVolume
	for _, v := range vols {
		if v.Type == typ {
			out = append(out, v)
		}
	}
	return out, nil
}

// readIndexes maps blocks to volumes and collects blocklist payloads from
// every Index volume.
func (r *recreateRun) readIndexes(listing *remoteListing) error {
	s := r.s
	indexes, err := r.volumesOfType(model.VolumeIndex)
	if err != nil {
		return err
	}
	return s.bm.DownloadAll(s.ctx, indexes, func(idx model.RemoteVolume, path string) error {
		reader, err := volume.OpenIndexVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", idx.Name, err)
		}
		defer reader.Close()
		if err := r.checkManifest(reader.Manifest()); err != nil {
			return err
		}
		r.res.IndexVolumes++

		described, err := reader.Volumes()
		if err != nil {
			return fmt.Errorf("reading %s: %w", idx.Name, err)
		}
		for _, iv := range described {
			bv, err := s.tx.GetRemoteVolume(s.ctx, iv.Name)
			if err != nil {
				return err
			}
			if bv == nil {
				s.logger.Warn("index volume describes a missing volume", "index", idx.Name, "volume", iv.Name)
				continue
			}
			if iv.Size != bv.Size {
				s.logger.Warn("volume size differs from its index", "volume", bv.Name, "size", bv.Size, "indexed", iv.Size)
			}
			if err := s.tx.UpdateRemoteVolume(s.ctx, bv.Name, model.StateVerified, bv.Size, iv.Hash); err != nil {
				return fmt.Errorf("updating volume: %w", err)
			}
			if err := s.tx.LinkIndexVolume(s.ctx, idx.ID, bv.ID); err != nil {
				return fmt.Errorf("linking index volume: %w", err)
			}
			for _, b := range iv.Blocks {
				if _, err := s.tx.UpsertBlock(s.ctx, b.Hash, b.Size, bv.ID); err != nil {
					return fmt.Errorf("inserting block: %w", err)
				}
				r.res.Blocks++
			}
		}

		lists, err := reader.Blocklists()
		if err != nil {
			return fmt.Errorf("reading blocklists of %s: %w", idx.Name, err)
		}
		for h, payload := range lists {
			r.blocklists[h] = payload
		}
		return nil
	})
}

// scanUnindexed lists the blocks of Blocks volumes no Index volume describes.
func (r *recreateRun) scanUnindexed(listing *remoteListing) error {
	s := r.s
	blocks, err := r.volumesOfType(model.VolumeBlocks)
	if err != nil {
		return err
	}
	var unindexed []model.RemoteVolume
	for _, v := range blocks {
		idx, err := s.tx.IndexVolumesFor(s.ctx, v.ID)
		if err != nil {
			return fmt.Errorf("finding index volumes: %w", err)
		}
		if len(idx) == 0 {
			unindexed = append(unindexed, v)
		}
	}
	if len(unindexed) == 0 {
		return nil
	}
	s.logger.Info("scanning volumes without an index", "count", len(unindexed))
	return s.bm.DownloadAll(s.ctx, unindexed, func(v model.RemoteVolume, path string) error {
		reader, err := volume.OpenBlockVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", v.Name, err)
		}
		defer reader.Close()
		if err := r.checkManifest(reader.Manifest()); err != nil {
			return err
		}
		entries, err := reader.Blocks()
		if err != nil {
			return fmt.Errorf("reading %s: %w", v.Name, err)
		}
		for _, b := range entries {
			if _, err := s.tx.UpsertBlock(s.ctx, b.Hash, b.Size, v.ID); err != nil {
				return fmt.Errorf("inserting block: %w", err)
			}
			r.res.Blocks++
		}
		r.res.BlockVolumesScanned++
		return nil
	})
}

func (r *recreateRun) replayFilesets(names []volume.Name) error {
	s := r.s
	vols := make([]model.RemoteVolume, 0, len(names))
	times := make(map[string]time.Time, len(names))
	for _, n := range names {
		v, err := s.tx.GetRemoteVolume(s.ctx, n.String())
		if err != nil {
			return err
		}
		vols = append(vols, *v)
		times[v.Name] = n.Time
	}

	return s.bm.DownloadAll(s.ctx, vols, func(v model.RemoteVolume, path string) error {
		reader, err := volume.OpenFilesetVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", v.Name, err)
		}
		defer reader.Close()
		if err := r.checkManifest(reader.Manifest()); err != nil {
			return err
		}
		entries, err := reader.Entries()
		if err != nil {
			return fmt.Errorf("reading %s: %w", v.Name, err)
		}
		filesetID, err := s.tx.CreateFileset(s.ctx, s.opID, v.ID, times[v.Name], reader.IsFull())
		if err != nil {
			return fmt.Errorf("creating fileset: %w", err)
		}
		for _, e := range entries {
			err := r.addEntry(filesetID, e)
			if errors.Is(err, errMissingBlocklist) {
				r.deferred = append(r.deferred, deferredEntry{filesetID: filesetID, entry: e})
				continue
			}
			if err != nil {
				return err
			}
		}
		r.res.Filesets++
		s.logger.Debug("replayed fileset", "volume", v.Name, "entries", len(entries))
		return nil
	})
}

// resolveDeferred fetches blocklists no Index volume carried from the
// smallest set of Blocks volumes holding them, then adds the waiting entries.
func (r *recreateRun) resolveDeferred() error {
	s := r.s
	if len(r.deferred) == 0 {
		return nil
	}
	wanted := make(map[int64][]string)
	for _, d := range r.deferred {
		for _, lh := range append(append([]string(nil), d.entry.Blocklists...), d.entry.MetaBlocklists...) {
			if _, ok := r.blocklists[lh]; ok {
				continue
			}
			blocks, err := s.tx.FindBlocksByHash(s.ctx, lh)
			if err != nil {
				return fmt.Errorf("finding blocklist: %w", err)
			}
			for _, b := range blocks {
				if b.VolumeID > 0 {
					wanted[b.VolumeID] = append(wanted[b.VolumeID], lh)
					break
				}
			}
		}
	}

	var vols []model.RemoteVolume
	for id := range wanted {
		v, err := s.tx.GetRemoteVolumeByID(s.ctx, id)
		if err != nil {
			return err
		}
		vols = append(vols, *v)
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].Name < vols[j].Name })
	err := s.bm.DownloadAll(s.ctx, vols, func(v model.RemoteVolume, path string) error {
		reader, err := volume.OpenBlockVolume(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", v.Name, err)
		}
		defer reader.Close()
		for _, lh := range wanted[v.ID] {
			data, err := reader.ReadBlock(lh)
			if err != nil {
				s.logger.Warn("blocklist missing from its volume", "hash", lh, "volume", v.Name)
				continue
			}
			r.blocklists[lh] = data
		}
		r.res.BlockVolumesScanned++
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range r.deferred {
		err := r.addEntry(d.filesetID, d.entry)
		if errors.Is(err, errMissingBlocklist) {
			s.logger.Warn("skipping entry whose blocklists are lost", "path", d.entry.Path)
			r.res.SkippedEntries++
			continue
		}
		if err != nil {
			return err
		}
	}
	r.deferred = nil
	return nil
}

func (r *recreateRun) addEntry(filesetID int64, e volume.FilelistEntry) error {
	s := r.s
	var mtime time.Time
	if e.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, e.Time)
		if err != nil {
			return fmt.Errorf("invalid time %q for %s: %w", e.Time, e.Path, err)
		}
		mtime = t
	}

	var metaID int64
	if e.MetaHash != "" {
		bs, err := r.resolveBlockset(e.MetaHash, e.MetaSize, e.MetaBlockHash, e.MetaBlocklists)
		if err != nil {
			return err
		}
		metaID, err = s.tx.FindOrInsertMetadataset(s.ctx, bs)
		if err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
	}

	var blocksetID int64
	switch model.EntryType(e.Type) {
	case model.EntryFolder:
		blocksetID = model.FolderBlocksetID
	case model.EntrySymlink:
		blocksetID = model.SymlinkBlocksetID
	case model.EntryFile:
		id, err := r.resolveBlockset(e.Hash, e.Size, e.BlockHash, e.Blocklists)
		if err != nil {
			return err
		}
		blocksetID = id
	default:
		s.logger.Warn("skipping entry of unknown type", "path", e.Path, "type", e.Type)
		r.res.SkippedEntries++
		return nil
	}
	if _, err := s.tx.AddFileEntry(s.ctx, filesetID, e.Path, blocksetID, metaID, mtime); err != nil {
		return fmt.Errorf("adding %s: %w", e.Path, err)
	}
	return nil
}

// resolveBlockset finds or builds the blockset for a recorded hash and size.
// Blocks no volume is known to hold are created as placeholders, which the
// consistency check reports.
func (r *recreateRun) resolveBlockset(hash string, size int64, blockHash string, blocklists []string) (int64, error) {
	s := r.s
	id, found, err := s.tx.FindBlockset(s.ctx, hash, size)
	if err != nil {
		return 0, fmt.Errorf("finding blockset: %w", err)
	}
	if found {
		return id, nil
	}

	var blockIDs []int64
	switch {
	case size == 0:
	case len(blocklists) == 0:
		if blockHash == "" {
			return 0, fmt.Errorf("blockset %s has no block information", hash)
		}
		id, err := r.blockID(blockHash, size)
		if err != nil {
			return 0, err
		}
		blockIDs = append(blockIDs, id)
	default:
		for _, lh := range blocklists {
			if _, ok := r.blocklists[lh]; !ok {
				return 0, errMissingBlocklist
			}
		}
		remaining := size
		for _, lh := range blocklists {
			hashes, err := blockhash.SplitBlocklist(r.blocklists[lh], r.s.blockAlg.Size)
			if err != nil {
				return 0, err
			}
			for _, bh := range hashes {
				bs := min(s.opts.Blocksize, remaining)
				id, err := r.blockID(bh, bs)
				if err != nil {
					return 0, err
				}
				blockIDs = append(blockIDs, id)
				remaining -= bs
			}
		}
		if remaining != 0 {
			return 0, fmt.Errorf("blocklists of %s do not cover its %d bytes", hash, size)
		}
	}

	id, err = s.tx.InsertBlockset(s.ctx, hash, size, blockIDs, blocklists)
	if err != nil {
		return 0, fmt.Errorf("inserting blockset: %w", err)
	}
	return id, nil
}

func (r *recreateRun) blockID(hash string, size int64) (int64, error) {
	s := r.s
	b, err := s.tx.FindBlock(s.ctx, hash, size)
	if err != nil {
		return 0, fmt.Errorf("finding block: %w", err)
	}
	if b != nil {
		return b.ID, nil
	}
	id, err := s.tx.UpsertBlock(s.ctx, hash, size, -1)
	if err != nil {
		return 0, fmt.Errorf("inserting placeholder block: %w", err)
	}
	return id, nil
}
