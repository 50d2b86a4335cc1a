package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dup-go/internal/model"
)

// Blocks

func (t *sqliteTx) FindBlock(ctx context.Context, hash string, size int64) (*model.Block, error) {
	b := model.Block{Hash: hash, Size: size}
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, volume_id FROM block WHERE hash = ? AND size = ?", hash, size).Scan(&b.ID, &b.VolumeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *sqliteTx) queryBlocks(ctx context.Context, query string, args ...any) ([]model.Block, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Block
	for rows.Next() {
		var b model.Block
		if err := rows.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *sqliteTx) FindBlocksByHash(ctx context.Context, hash string) ([]model.Block, error) {
	return t.queryBlocks(ctx, "SELECT id, hash, size, volume_id FROM block WHERE hash = ? ORDER BY id", hash)
}

func (t *sqliteTx) InsertBlock(ctx context.Context, hash string, size, volumeID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO block (hash, size, volume_id) VALUES (?, ?, ?)", hash, size, volumeID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) UpsertBlock(ctx context.Context, hash string, size, volumeID int64) (int64, error) {
	b, err := t.FindBlock(ctx, hash, size)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return t.InsertBlock(ctx, hash, size, volumeID)
	}
	if volumeID <= 0 {
		return b.ID, nil
	}
	var usable bool
	err = t.tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM remote_volume WHERE id = ? AND state != ?)",
		b.VolumeID, string(model.StateDeleted)).Scan(&usable)
	if err != nil {
		return 0, err
	}
	if !usable {
		if err := t.MoveBlock(ctx, b.ID, volumeID); err != nil {
			return 0, err
		}
	}
	return b.ID, nil
}

func (t *sqliteTx) MoveBlock(ctx context.Context, blockID, volumeID int64) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE block SET volume_id = ? WHERE id = ?", volumeID, blockID)
	return err
}

func (t *sqliteTx) BlocksInVolume(ctx context.Context, volumeID int64) ([]model.Block, error) {
	return t.queryBlocks(ctx, "SELECT id, hash, size, volume_id FROM block WHERE volume_id = ? ORDER BY id", volumeID)
}

func (t *sqliteTx) RemoveBlocksInVolume(ctx context.Context, volumeID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM block WHERE volume_id = ?", volumeID)
	if err != nil {
		return 0, fmt.Errorf("deleting blocks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM deleted_block WHERE volume_id = ?", volumeID); err != nil {
		return 0, fmt.Errorf("deleting wasted blocks: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) IsBlocklistHash(ctx context.Context, hash string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM blocklist_hash WHERE hash = ?)", hash).Scan(&ok)
	return ok, err
}

func (t *sqliteTx) BlocklistsInVolume(ctx context.Context, volumeID int64, hashesPerBlocklist int) ([]model.Blocklist, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT bh.blockset_id, bh.idx, bh.hash
		FROM blocklist_hash bh JOIN block b ON b.hash = bh.hash
		WHERE b.volume_id = ?
		ORDER BY bh.hash, bh.blockset_id, bh.idx`, volumeID)
	if err != nil {
		return nil, err
	}
	type ref struct {
		blocksetID, idx int64
		hash            string
	}
	var refs []ref
	seen := make(map[string]bool)
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.blocksetID, &r.idx, &r.hash); err != nil {
			rows.Close()
			return nil, err
		}
		if !seen[r.hash] {
			seen[r.hash] = true
			refs = append(refs, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Blocklist, 0, len(refs))
	for _, r := range refs {
		first := r.idx * int64(hashesPerBlocklist)
		hashes, err := t.blockHashes(ctx, r.blocksetID, first, first+int64(hashesPerBlocklist))
		if err != nil {
			return nil, err
		}
		out = append(out, model.Blocklist{Hash: r.hash, Hashes: hashes})
	}
	return out, nil
}

// blockHashes returns the hashes of the blockset's blocks with from <= idx < to.
func (t *sqliteTx) blockHashes(ctx context.Context, blocksetID, from, to int64) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT b.hash FROM blockset_entry be JOIN block b ON b.id = be.block_id
		WHERE be.blockset_id = ? AND be.idx >= ? AND be.idx < ?
		ORDER BY be.idx`, blocksetID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Blocksets and metadata

func (t *sqliteTx) FindBlockset(ctx context.Context, hash string, length int64) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM blockset WHERE hash = ? AND length = ?", hash, length).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *sqliteTx) InsertBlockset(ctx context.Context, hash string, length int64, blockIDs []int64, blocklistHashes []string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "INSERT INTO blockset (hash, length) VALUES (?, ?)", hash, length)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	entry, err := t.tx.PrepareContext(ctx, "INSERT INTO blockset_entry (blockset_id, idx, block_id) VALUES (?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer entry.Close()
	for i, b := range blockIDs {
		if _, err := entry.ExecContext(ctx, id, i, b); err != nil {
			return 0, fmt.Errorf("adding block %d: %w", i, err)
		}
	}
	for i, h := range blocklistHashes {
		if _, err := t.tx.ExecContext(ctx,
			"INSERT INTO blocklist_hash (blockset_id, idx, hash) VALUES (?, ?, ?)", id, i, h); err != nil {
			return 0, fmt.Errorf("adding blocklist %d: %w", i, err)
		}
	}
	return id, nil
}

func (t *sqliteTx) Blockset(ctx context.Context, id int64) (*model.BlocksetInfo, error) {
	info := &model.BlocksetInfo{ID: id}
	err := t.tx.QueryRowContext(ctx, `
		SELECT hash, length, (SELECT count(*) FROM blockset_entry WHERE blockset_id = blockset.id)
		FROM blockset WHERE id = ?`, id).Scan(&info.Hash, &info.Length, &info.BlockCount)
	if err != nil {
		return nil, fmt.Errorf("reading blockset %d: %w", id, err)
	}
	if info.BlockCount == 1 {
		hashes, err := t.blockHashes(ctx, id, 0, 1)
		if err != nil {
			return nil, err
		}
		info.BlockHash = hashes[0]
	}

	rows, err := t.tx.QueryContext(ctx, "SELECT hash FROM blocklist_hash WHERE blockset_id = ? ORDER BY idx", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		info.Blocklists = append(info.Blocklists, h)
	}
	return info, rows.Err()
}

func (t *sqliteTx) BlocksetEntries(ctx context.Context, blocksetID int64) ([]model.BlockRef, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT be.idx, b.id, b.hash, b.size, b.volume_id
		FROM blockset_entry be JOIN block b ON b.id = be.block_id
		WHERE be.blockset_id = ? ORDER BY be.idx`, blocksetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlockRef
	for rows.Next() {
		var r model.BlockRef
		if err := rows.Scan(&r.Index, &r.BlockID, &r.Hash, &r.Size, &r.VolumeID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) FindOrInsertMetadataset(ctx context.Context, blocksetID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM metadataset WHERE blockset_id = ?", blocksetID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, "INSERT INTO metadataset (blockset_id) VALUES (?)", blocksetID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
