package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dup-go/internal/model"
)

func (t *sqliteTx) CreateFileset(ctx context.Context, operationID, volumeID int64, timestamp time.Time, isFull bool) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO fileset (operation_id, volume_id, timestamp, is_full) VALUES (?, ?, ?, ?)",
		operationID, volumeID, timestamp.Unix(), isFull)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) ListFilesets(ctx context.Context) ([]model.Fileset, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT f.id, f.operation_id, f.volume_id, v.name, f.timestamp, f.is_full
		FROM fileset f JOIN remote_volume v ON v.id = f.volume_id
		ORDER BY f.timestamp DESC, f.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Fileset
	for rows.Next() {
		var fs model.Fileset
		var ts int64
		if err := rows.Scan(&fs.ID, &fs.OperationID, &fs.VolumeID, &fs.VolumeName, &ts, &fs.IsFull); err != nil {
			return nil, err
		}
		fs.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, fs)
	}
	return out, rows.Err()
}

func (t *sqliteTx) SetFilesetVolume(ctx context.Context, filesetID, volumeID int64) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE fileset SET volume_id = ? WHERE id = ?", volumeID, filesetID)
	return err
}

func (t *sqliteTx) DeleteFileset(ctx context.Context, filesetID int64) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM fileset_entry WHERE fileset_id = ?", filesetID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "DELETE FROM fileset WHERE id = ?", filesetID)
	return err
}

func (t *sqliteTx) AddFileEntry(ctx context.Context, filesetID int64, path string, blocksetID, metadataID int64, lastModified time.Time) (int64, error) {
	meta := nullID(metadataID)
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM file_lookup WHERE path = ? AND blockset_id = ? AND metadata_id IS ?",
		path, blocksetID, meta).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		res, ierr := t.tx.ExecContext(ctx,
			"INSERT INTO file_lookup (path, blockset_id, metadata_id) VALUES (?, ?, ?)", path, blocksetID, meta)
		if ierr != nil {
			return 0, ierr
		}
		id, err = res.LastInsertId()
	}
	if err != nil {
		return 0, err
	}
	if err := t.AppendFileEntry(ctx, filesetID, id, lastModified); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *sqliteTx) AppendFileEntry(ctx context.Context, filesetID, fileID int64, lastModified time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO fileset_entry (fileset_id, file_id, last_modified) VALUES (?, ?, ?)",
		filesetID, fileID, toNanos(lastModified))
	if err != nil {
		return fmt.Errorf("adding file %d to fileset %d: %w", fileID, filesetID, err)
	}
	return nil
}

func (t *sqliteTx) FilesetEntries(ctx context.Context, filesetID int64) ([]model.FileEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT fl.id, fl.path, fl.blockset_id, COALESCE(fl.metadata_id, 0), fe.last_modified,
			COALESCE(b.length, 0), COALESCE(b.hash, ''),
			COALESCE(m.blockset_id, 0), COALESCE(mb.hash, ''), COALESCE(mb.length, 0)
		FROM fileset_entry fe
		JOIN file_lookup fl ON fl.id = fe.file_id
		LEFT JOIN blockset b ON b.id = fl.blockset_id
		LEFT JOIN metadataset m ON m.id = fl.metadata_id
		LEFT JOIN blockset mb ON mb.id = m.blockset_id
		WHERE fe.fileset_id = ?
		ORDER BY fl.path`, filesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FileEntry
	for rows.Next() {
		var e model.FileEntry
		var mtime int64
		if err := rows.Scan(&e.FileID, &e.Path, &e.BlocksetID, &e.MetadataID, &mtime,
			&e.Size, &e.Hash, &e.MetaBlocksetID, &e.MetaHash, &e.MetaSize); err != nil {
			return nil, err
		}
		e.LastModified = fromNanos(mtime)
		e.Type = model.EntryTypeForBlockset(e.BlocksetID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqliteTx) FileVersions(ctx context.Context, path string) ([]model.FileVersion, error) {
	filesets, err := t.ListFilesets(ctx)
	if err != nil {
		return nil, err
	}
	version := make(map[int64]int, len(filesets))
	for i, fs := range filesets {
		version[fs.ID] = i
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT f.id, f.timestamp, fl.blockset_id, COALESCE(b.length, 0), COALESCE(b.hash, ''), fe.last_modified
		FROM fileset_entry fe
		JOIN fileset f ON f.id = fe.fileset_id
		JOIN file_lookup fl ON fl.id = fe.file_id
		LEFT JOIN blockset b ON b.id = fl.blockset_id
		WHERE fl.path = ?
		ORDER BY f.timestamp DESC, f.id DESC`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FileVersion
	for rows.Next() {
		var v model.FileVersion
		var ts, mtime, blocksetID int64
		if err := rows.Scan(&v.FilesetID, &ts, &blocksetID, &v.Size, &v.Hash, &mtime); err != nil {
			return nil, err
		}
		v.Version = version[v.FilesetID]
		v.Timestamp = time.Unix(ts, 0).UTC()
		v.Type = model.EntryTypeForBlockset(blocksetID)
		v.LastModified = fromNanos(mtime)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *sqliteTx) BlockSources(ctx context.Context, hash string, size int64) ([]model.BlockSource, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT fl.path,
			(SELECT COALESCE(SUM(b2.size), 0) FROM blockset_entry be2 JOIN block b2 ON b2.id = be2.block_id
			 WHERE be2.blockset_id = be.blockset_id AND be2.idx < be.idx)
		FROM block b
		JOIN blockset_entry be ON be.block_id = b.id
		JOIN file_lookup fl ON fl.blockset_id = be.blockset_id
		WHERE b.hash = ? AND b.size = ?
		ORDER BY fl.path`, hash, size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlockSource
	for rows.Next() {
		var s model.BlockSource
		if err := rows.Scan(&s.Path, &s.Offset); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqliteTx) PathsWithBlockset(ctx context.Context, blocksetID int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT DISTINCT path FROM file_lookup WHERE blockset_id = ? ORDER BY path", blocksetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
