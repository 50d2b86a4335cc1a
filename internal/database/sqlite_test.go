package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dup-go/internal/dup"
	"dup-go/internal/model"
)

// newTestTx opens a migrated in-memory database and starts a transaction.
func newTestTx(t *testing.T) (*SQLiteDatabase, dup.Tx, int64) {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })

	opID, err := tx.CreateOperation(context.Background(), "Test", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	return db, tx, opID
}

func mustVolume(t *testing.T, tx dup.Tx, opID int64, name string, typ model.VolumeType, state model.VolumeState) int64 {
	t.Helper()
	id, err := tx.RegisterRemoteVolume(context.Background(), opID, name, typ, state)
	if err != nil {
		t.Fatalf("RegisterRemoteVolume(%s) error = %v", name, err)
	}
	return id
}

func mustBlock(t *testing.T, tx dup.Tx, hash string, size, volID int64) int64 {
	t.Helper()
	id, err := tx.InsertBlock(context.Background(), hash, size, volID)
	if err != nil {
		t.Fatalf("InsertBlock(%s) error = %v", hash, err)
	}
	return id
}

func TestSQLiteTx_RemoteVolumes(t *testing.T) {
	ctx := context.Background()

	t.Run("register update and remove", func(t *testing.T) {
		_, tx, opID := newTestTx(t)
		id := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateTemporary)

		if err := tx.UpdateRemoteVolume(ctx, "dup-b.1.zip", model.StateUploaded, 123, "h"); err != nil {
			t.Fatalf("UpdateRemoteVolume() error = %v", err)
		}
		v, err := tx.GetRemoteVolume(ctx, "dup-b.1.zip")
		if err != nil || v == nil {
			t.Fatalf("GetRemoteVolume() = %v, %v", v, err)
		}
		if v.ID != id || v.State != model.StateUploaded || v.Size != 123 || v.Hash != "h" {
			t.Errorf("GetRemoteVolume() = %+v", v)
		}

		if err := tx.RemoveRemoteVolume(ctx, "dup-b.1.zip"); err != nil {
			t.Fatalf("RemoveRemoteVolume() error = %v", err)
		}
		v, err = tx.GetRemoteVolume(ctx, "dup-b.1.zip")
		if err != nil || v != nil {
			t.Errorf("GetRemoteVolume() after remove = %v, %v", v, err)
		}
	})

	t.Run("updating an unknown volume fails", func(t *testing.T) {
		_, tx, _ := newTestTx(t)
		if err := tx.SetRemoteVolumeState(ctx, "missing", model.StateDeleted); err == nil {
			t.Error("SetRemoteVolumeState() expected error for unknown volume")
		}
	})

	t.Run("index links", func(t *testing.T) {
		_, tx, opID := newTestTx(t)
		b := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateUploaded)
		i := mustVolume(t, tx, opID, "dup-i.1.zip", model.VolumeIndex, model.StateUploaded)
		if err := tx.LinkIndexVolume(ctx, i, b); err != nil {
			t.Fatalf("LinkIndexVolume() error = %v", err)
		}
		if err := tx.LinkIndexVolume(ctx, i, b); err != nil {
			t.Fatalf("LinkIndexVolume() twice error = %v", err)
		}
		idx, err := tx.IndexVolumesFor(ctx, b)
		if err != nil || len(idx) != 1 || idx[0].ID != i {
			t.Errorf("IndexVolumesFor() = %v, %v", idx, err)
		}
		blocks, err := tx.BlockVolumesForIndex(ctx, i)
		if err != nil || len(blocks) != 1 || blocks[0].ID != b {
			t.Errorf("BlockVolumesForIndex() = %v, %v", blocks, err)
		}
	})
}

func TestSQLiteTx_UpsertBlock(t *testing.T) {
	ctx := context.Background()
	_, tx, opID := newTestTx(t)
	live := mustVolume(t, tx, opID, "dup-b.live.zip", model.VolumeBlocks, model.StateVerified)
	other := mustVolume(t, tx, opID, "dup-b.other.zip", model.VolumeBlocks, model.StateVerified)

	placeholder, err := tx.UpsertBlock(ctx, "a", 10, -1)
	if err != nil {
		t.Fatalf("UpsertBlock() error = %v", err)
	}
	id, err := tx.UpsertBlock(ctx, "a", 10, live)
	if err != nil || id != placeholder {
		t.Fatalf("UpsertBlock() = %d, %v, want %d", id, err, placeholder)
	}
	// A block in a live volume keeps its volume.
	if _, err := tx.UpsertBlock(ctx, "a", 10, other); err != nil {
		t.Fatalf("UpsertBlock() error = %v", err)
	}
	b, err := tx.FindBlock(ctx, "a", 10)
	if err != nil || b == nil {
		t.Fatalf("FindBlock() = %v, %v", b, err)
	}
	if b.VolumeID != live {
		t.Errorf("VolumeID = %d, want %d", b.VolumeID, live)
	}
}

func TestSQLiteTx_Blocksets(t *testing.T) {
	ctx := context.Background()
	_, tx, opID := newTestTx(t)
	vol := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateVerified)

	t.Run("single block blockset has a block hash", func(t *testing.T) {
		b := mustBlock(t, tx, "one", 5, vol)
		id, err := tx.InsertBlockset(ctx, "file-one", 5, []int64{b}, nil)
		if err != nil {
			t.Fatalf("InsertBlockset() error = %v", err)
		}
		info, err := tx.Blockset(ctx, id)
		if err != nil {
			t.Fatalf("Blockset() error = %v", err)
		}
		if info.BlockCount != 1 || info.BlockHash != "one" || len(info.Blocklists) != 0 {
			t.Errorf("Blockset() = %+v", info)
		}
		found, ok, err := tx.FindBlockset(ctx, "file-one", 5)
		if err != nil || !ok || found != id {
			t.Errorf("FindBlockset() = %d, %v, %v", found, ok, err)
		}
	})

	t.Run("multi block blockset lists blocklists in order", func(t *testing.T) {
		b1 := mustBlock(t, tx, "x1", 8, vol)
		b2 := mustBlock(t, tx, "x2", 8, vol)
		b3 := mustBlock(t, tx, "x3", 3, vol)
		mustBlock(t, tx, "list-a", 16, vol)
		mustBlock(t, tx, "list-b", 8, vol)
		id, err := tx.InsertBlockset(ctx, "file-x", 19, []int64{b1, b2, b3}, []string{"list-a", "list-b"})
		if err != nil {
			t.Fatalf("InsertBlockset() error = %v", err)
		}
		info, err := tx.Blockset(ctx, id)
		if err != nil {
			t.Fatalf("Blockset() error = %v", err)
		}
		if info.BlockCount != 3 || info.BlockHash != "" {
			t.Errorf("Blockset() = %+v", info)
		}
		if strings.Join(info.Blocklists, ",") != "list-a,list-b" {
			t.Errorf("Blocklists = %v", info.Blocklists)
		}

		entries, err := tx.BlocksetEntries(ctx, id)
		if err != nil || len(entries) != 3 || entries[2].Hash != "x3" || entries[2].Index != 2 {
			t.Errorf("BlocksetEntries() = %v, %v", entries, err)
		}

		lists, err := tx.BlocklistsInVolume(ctx, vol, 2)
		if err != nil {
			t.Fatalf("BlocklistsInVolume() error = %v", err)
		}
		got := make(map[string]string)
		for _, l := range lists {
			got[l.Hash] = strings.Join(l.Hashes, ",")
		}
		if got["list-a"] != "x1,x2" || got["list-b"] != "x3" {
			t.Errorf("BlocklistsInVolume() = %v", got)
		}

		isList, err := tx.IsBlocklistHash(ctx, "list-b")
		if err != nil || !isList {
			t.Errorf("IsBlocklistHash(list-b) = %v, %v", isList, err)
		}

		sources, err := tx.BlockSources(ctx, "x3", 3)
		if err != nil {
			t.Fatalf("BlockSources() error = %v", err)
		}
		if len(sources) != 0 {
			t.Errorf("BlockSources() without files = %v", sources)
		}
	})
}

func TestSQLiteTx_Filesets(t *testing.T) {
	ctx := context.Background()
	_, tx, opID := newTestTx(t)
	blocks := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateVerified)
	files1 := mustVolume(t, tx, opID, "dup-f.1.zip", model.VolumeFiles, model.StateVerified)
	files2 := mustVolume(t, tx, opID, "dup-f.2.zip", model.VolumeFiles, model.StateVerified)

	b1 := mustBlock(t, tx, "c1", 4, blocks)
	b2 := mustBlock(t, tx, "c2", 2, blocks)
	content, err := tx.InsertBlockset(ctx, "content", 6, []int64{b1, b2}, []string{"cl"})
	if err != nil {
		t.Fatalf("InsertBlockset() error = %v", err)
	}
	mustBlock(t, tx, "cl", 64, blocks)
	mb := mustBlock(t, tx, "m", 30, blocks)
	metaBS, err := tx.InsertBlockset(ctx, "meta", 30, []int64{mb}, nil)
	if err != nil {
		t.Fatalf("InsertBlockset() error = %v", err)
	}
	meta, err := tx.FindOrInsertMetadataset(ctx, metaBS)
	if err != nil {
		t.Fatalf("FindOrInsertMetadataset() error = %v", err)
	}
	again, err := tx.FindOrInsertMetadataset(ctx, metaBS)
	if err != nil || again != meta {
		t.Fatalf("FindOrInsertMetadataset() twice = %d, %v, want %d", again, err, meta)
	}

	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	mtime := time.Date(2023, 6, 1, 12, 0, 0, 123456789, time.UTC)

	fs1, err := tx.CreateFileset(ctx, opID, files1, older, true)
	if err != nil {
		t.Fatalf("CreateFileset() error = %v", err)
	}
	fileID, err := tx.AddFileEntry(ctx, fs1, "/src/a.txt", content, meta, mtime)
	if err != nil {
		t.Fatalf("AddFileEntry() error = %v", err)
	}
	if _, err := tx.AddFileEntry(ctx, fs1, "/src", model.FolderBlocksetID, meta, time.Time{}); err != nil {
		t.Fatalf("AddFileEntry(folder) error = %v", err)
	}

	fs2, err := tx.CreateFileset(ctx, opID, files2, newer, true)
	if err != nil {
		t.Fatalf("CreateFileset() error = %v", err)
	}
	if err := tx.AppendFileEntry(ctx, fs2, fileID, mtime); err != nil {
		t.Fatalf("AppendFileEntry() error = %v", err)
	}

	t.Run("entries carry content and metadata", func(t *testing.T) {
		entries, err := tx.FilesetEntries(ctx, fs1)
		if err != nil {
			t.Fatalf("FilesetEntries() error = %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("FilesetEntries() returned %d entries, want 2", len(entries))
		}
		folder, file := entries[0], entries[1]
		if folder.Type != model.EntryFolder || folder.Size != 0 || !folder.LastModified.IsZero() {
			t.Errorf("folder = %+v", folder)
		}
		if file.Type != model.EntryFile || file.Size != 6 || file.Hash != "content" {
			t.Errorf("file = %+v", file)
		}
		if !file.LastModified.Equal(mtime) {
			t.Errorf("LastModified = %v, want %v", file.LastModified, mtime)
		}
		if file.MetaHash != "meta" || file.MetaSize != 30 || file.MetadataID != meta {
			t.Errorf("file metadata = %+v", file)
		}
	})

	t.Run("filesets are listed newest first", func(t *testing.T) {
		list, err := tx.ListFilesets(ctx)
		if err != nil {
			t.Fatalf("ListFilesets() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != fs2 || !list[0].Timestamp.Equal(newer) || list[1].VolumeName != "dup-f.1.zip" {
			t.Errorf("ListFilesets() = %+v", list)
		}
	})

	t.Run("versions of a path", func(t *testing.T) {
		versions, err := tx.FileVersions(ctx, "/src/a.txt")
		if err != nil {
			t.Fatalf("FileVersions() error = %v", err)
		}
		if len(versions) != 2 || versions[0].Version != 0 || versions[1].Version != 1 || versions[0].Size != 6 {
			t.Errorf("FileVersions() = %+v", versions)
		}
	})

	t.Run("block sources report offsets", func(t *testing.T) {
		sources, err := tx.BlockSources(ctx, "c2", 2)
		if err != nil {
			t.Fatalf("BlockSources() error = %v", err)
		}
		if len(sources) != 1 || sources[0].Path != "/src/a.txt" || sources[0].Offset != 4 {
			t.Errorf("BlockSources() = %+v", sources)
		}
		paths, err := tx.PathsWithBlockset(ctx, content)
		if err != nil || len(paths) != 1 {
			t.Errorf("PathsWithBlockset() = %v, %v", paths, err)
		}
	})

	t.Run("consistent data verifies", func(t *testing.T) {
		if err := tx.VerifyConsistency(ctx, 4, 2); err != nil {
			t.Errorf("VerifyConsistency() = %v", err)
		}
	})

	t.Run("deleting a fileset and purging", func(t *testing.T) {
		if err := tx.DeleteFileset(ctx, fs1); err != nil {
			t.Fatalf("DeleteFileset() error = %v", err)
		}
		if err := tx.PurgeUnreferenced(ctx); err != nil {
			t.Fatalf("PurgeUnreferenced() error = %v", err)
		}
		// fs2 still references the file, so nothing but the folder record goes.
		usage, err := tx.VolumeUsage(ctx)
		if err != nil {
			t.Fatalf("VolumeUsage() error = %v", err)
		}
		if len(usage) != 1 || usage[0].ActiveBlocks != 4 || usage[0].WastedBlocks != 0 {
			t.Errorf("VolumeUsage() = %+v", usage)
		}

		if err := tx.DeleteFileset(ctx, fs2); err != nil {
			t.Fatalf("DeleteFileset() error = %v", err)
		}
		if err := tx.PurgeUnreferenced(ctx); err != nil {
			t.Fatalf("PurgeUnreferenced() error = %v", err)
		}
		usage, err = tx.VolumeUsage(ctx)
		if err != nil {
			t.Fatalf("VolumeUsage() error = %v", err)
		}
		if len(usage) != 1 || usage[0].ActiveBlocks != 0 || usage[0].WastedBlocks != 4 || usage[0].WastedSize != 100 {
			t.Errorf("VolumeUsage() = %+v", usage)
		}
		if usage[0].WastePercent() != 100 {
			t.Errorf("WastePercent() = %v, want 100", usage[0].WastePercent())
		}
	})
}

func TestSQLiteTx_VerifyConsistency(t *testing.T) {
	ctx := context.Background()

	t.Run("block in a deleted volume", func(t *testing.T) {
		_, tx, opID := newTestTx(t)
		vol := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateDeleted)
		b := mustBlock(t, tx, "a", 4, vol)
		if _, err := tx.InsertBlockset(ctx, "f", 4, []int64{b}, nil); err != nil {
			t.Fatalf("InsertBlockset() error = %v", err)
		}
		err := tx.VerifyConsistency(ctx, 4, 2)
		if err == nil || !strings.Contains(err.Error(), "without a live volume") {
			t.Errorf("VerifyConsistency() = %v", err)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, tx, opID := newTestTx(t)
		vol := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateVerified)
		b := mustBlock(t, tx, "a", 4, vol)
		if _, err := tx.InsertBlockset(ctx, "f", 5, []int64{b}, nil); err != nil {
			t.Fatalf("InsertBlockset() error = %v", err)
		}
		err := tx.VerifyConsistency(ctx, 4, 2)
		if err == nil || !strings.Contains(err.Error(), "add up") {
			t.Errorf("VerifyConsistency() = %v", err)
		}
	})

	t.Run("missing blocklist", func(t *testing.T) {
		_, tx, opID := newTestTx(t)
		vol := mustVolume(t, tx, opID, "dup-b.1.zip", model.VolumeBlocks, model.StateVerified)
		b1 := mustBlock(t, tx, "a", 4, vol)
		b2 := mustBlock(t, tx, "b", 4, vol)
		if _, err := tx.InsertBlockset(ctx, "f", 8, []int64{b1, b2}, nil); err != nil {
			t.Fatalf("InsertBlockset() error = %v", err)
		}
		err := tx.VerifyConsistency(ctx, 4, 2)
		if err == nil || !strings.Contains(err.Error(), "blocklists") {
			t.Errorf("VerifyConsistency() = %v", err)
		}
	})
}

func TestSQLiteTx_Operations(t *testing.T) {
	ctx := context.Background()
	_, tx, opID := newTestTx(t)
	finished := time.Unix(1700000100, 0)
	if err := tx.FinishOperation(ctx, opID, "Success", finished); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	if err := tx.InsertLogEntries(ctx, opID, []model.LogEntry{{Timestamp: finished, Level: "Warning", Message: "m", Detail: "/secret/path"}}); err != nil {
		t.Fatalf("InsertLogEntries() error = %v", err)
	}
	if err := tx.InsertRemoteOperations(ctx, opID, []model.RemoteOperation{{Timestamp: finished, Operation: "put", Path: "dup-b.zip"}}); err != nil {
		t.Fatalf("InsertRemoteOperations() error = %v", err)
	}
	ops, err := tx.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Status != "Success" || ops[0].FinishedAt == nil || !ops[0].FinishedAt.Equal(finished) {
		t.Errorf("ListOperations() = %+v", ops)
	}
}

func TestSQLiteTx_Configuration(t *testing.T) {
	ctx := context.Background()
	_, tx, _ := newTestTx(t)
	if err := tx.SetConfiguration(ctx, "blocksize", "1024"); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	if err := tx.SetConfiguration(ctx, "blocksize", "2048"); err != nil {
		t.Fatalf("SetConfiguration() overwrite error = %v", err)
	}
	cfg, err := tx.Configuration(ctx)
	if err != nil || cfg["blocksize"] != "2048" {
		t.Errorf("Configuration() = %v, %v", cfg, err)
	}
}

func TestSQLiteTx_ObfuscatePaths(t *testing.T) {
	ctx := context.Background()
	_, tx, opID := newTestTx(t)
	files := mustVolume(t, tx, opID, "dup-f.1.zip", model.VolumeFiles, model.StateVerified)
	fs, err := tx.CreateFileset(ctx, opID, files, time.Unix(1700000000, 0), true)
	if err != nil {
		t.Fatalf("CreateFileset() error = %v", err)
	}
	for _, p := range []string{"/home/alice/tax.pdf", "/home/alice"} {
		if _, err := tx.AddFileEntry(ctx, fs, p, model.FolderBlocksetID, 0, time.Time{}); err != nil {
			t.Fatalf("AddFileEntry() error = %v", err)
		}
	}
	if err := tx.ObfuscatePaths(ctx); err != nil {
		t.Fatalf("ObfuscatePaths() error = %v", err)
	}
	entries, err := tx.FilesetEntries(ctx, fs)
	if err != nil {
		t.Fatalf("FilesetEntries() error = %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Path, "alice") || strings.Contains(e.Path, "home") {
			t.Errorf("path %q still contains names", e.Path)
		}
	}
	var pdf bool
	for _, e := range entries {
		if filepath.Ext(e.Path) == ".pdf" {
			pdf = true
		}
	}
	if !pdf {
		t.Errorf("extension was not kept: %v", entries)
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	db, tx, _ := newTestTx(t)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	dest := filepath.Join(t.TempDir(), "copy.sqlite")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	copyDB, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening copy: %v", err)
	}
	defer copyDB.Close()
	ctx := context.Background()
	copyTx, err := copyDB.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer copyTx.Rollback()
	ops, err := copyTx.ListOperations(ctx, 10)
	if err != nil || len(ops) != 1 {
		t.Errorf("ListOperations() on copy = %v, %v", ops, err)
	}
}
