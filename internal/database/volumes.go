package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dup-go/internal/model"
)

// Configuration

func (t *sqliteTx) Configuration(ctx context.Context) (map[string]string, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT key, value FROM configuration")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (t *sqliteTx) SetConfiguration(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

// Operations and logs

func (t *sqliteTx) CreateOperation(ctx context.Context, description string, startedAt time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO operation (description, started_at) VALUES (?, ?)",
		description, toNanos(startedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) FinishOperation(ctx context.Context, id int64, status string, finishedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE operation SET status = ?, finished_at = ? WHERE id = ?",
		status, toNanos(finishedAt), id)
	return err
}

func (t *sqliteTx) ListOperations(ctx context.Context, limit int) ([]model.Operation, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, description, started_at, finished_at, status FROM operation ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Operation
	for rows.Next() {
		var op model.Operation
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&op.ID, &op.Description, &started, &finished, &op.Status); err != nil {
			return nil, err
		}
		op.StartedAt = fromNanos(started)
		if finished.Valid {
			f := fromNanos(finished.Int64)
			op.FinishedAt = &f
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (t *sqliteTx) InsertLogEntries(ctx context.Context, operationID int64, entries []model.LogEntry) error {
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT INTO log_data (operation_id, timestamp, level, message, detail) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, operationID, toNanos(e.Timestamp), e.Level, e.Message, e.Detail); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) InsertRemoteOperations(ctx context.Context, operationID int64, ops []model.RemoteOperation) error {
	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT INTO remote_operation (operation_id, timestamp, operation, path, data) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, op := range ops {
		if _, err := stmt.ExecContext(ctx, operationID, toNanos(op.Timestamp), op.Operation, op.Path, op.Data); err != nil {
			return err
		}
	}
	return nil
}

// Remote volumes

const volumeColumns = "id, operation_id, name, type, state, size, hash"

func scanVolume(row interface{ Scan(...any) error }) (model.RemoteVolume, error) {
	var v model.RemoteVolume
	var typ, state string
	err := row.Scan(&v.ID, &v.OperationID, &v.Name, &typ, &state, &v.Size, &v.Hash)
	v.Type, v.State = model.VolumeType(typ), model.VolumeState(state)
	return v, err
}

func (t *sqliteTx) queryVolumes(ctx context.Context, query string, args ...any) ([]model.RemoteVolume, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RemoteVolume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *sqliteTx) RegisterRemoteVolume(ctx context.Context, operationID int64, name string, typ model.VolumeType, state model.VolumeState) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO remote_volume (operation_id, name, type, state) VALUES (?, ?, ?, ?)",
		operationID, name, string(typ), string(state))
	if err != nil {
		return 0, fmt.Errorf("registering %s: %w", name, err)
	}
	return res.LastInsertId()
}

func (t *sqliteTx) UpdateRemoteVolume(ctx context.Context, name string, state model.VolumeState, size int64, hash string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE remote_volume SET state = ?, size = ?, hash = ? WHERE name = ?",
		string(state), size, hash, name)
	if err != nil {
		return err
	}
	return expectRow(res, name)
}

func (t *sqliteTx) SetRemoteVolumeState(ctx context.Context, name string, state model.VolumeState) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE remote_volume SET state = ? WHERE name = ?", string(state), name)
	if err != nil {
		return err
	}
	return expectRow(res, name)
}

func expectRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("volume %s is not registered", name)
	}
	return nil
}

func (t *sqliteTx) GetRemoteVolume(ctx context.Context, name string) (*model.RemoteVolume, error) {
	v, err := scanVolume(t.tx.QueryRowContext(ctx, "SELECT "+volumeColumns+" FROM remote_volume WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading volume %s: %w", name, err)
	}
	return &v, nil
}

func (t *sqliteTx) GetRemoteVolumeByID(ctx context.Context, id int64) (*model.RemoteVolume, error) {
	v, err := scanVolume(t.tx.QueryRowContext(ctx, "SELECT "+volumeColumns+" FROM remote_volume WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("reading volume %d: %w", id, err)
	}
	return &v, nil
}

func (t *sqliteTx) ListRemoteVolumes(ctx context.Context) ([]model.RemoteVolume, error) {
	return t.queryVolumes(ctx, "SELECT "+volumeColumns+" FROM remote_volume ORDER BY id")
}

func (t *sqliteTx) RemoveRemoteVolume(ctx context.Context, name string) error {
	var id int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM remote_volume WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM index_block_link WHERE index_volume_id = ? OR block_volume_id = ?", id, id); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM deleted_block WHERE volume_id = ?", id); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM remote_volume WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTx) LinkIndexVolume(ctx context.Context, indexVolumeID, blockVolumeID int64) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO index_block_link (index_volume_id, block_volume_id) VALUES (?, ?)",
		indexVolumeID, blockVolumeID)
	return err
}

func (t *sqliteTx) IndexVolumesFor(ctx context.Context, blockVolumeID int64) ([]model.RemoteVolume, error) {
	return t.queryVolumes(ctx, `
		SELECT v.id, v.operation_id, v.name, v.type, v.state, v.size, v.hash
		FROM remote_volume v JOIN index_block_link l ON l.index_volume_id = v.id
		WHERE l.block_volume_id = ? ORDER BY v.id`, blockVolumeID)
}

func (t *sqliteTx) BlockVolumesForIndex(ctx context.Context, indexVolumeID int64) ([]model.RemoteVolume, error) {
	return t.queryVolumes(ctx, `
		SELECT v.id, v.operation_id, v.name, v.type, v.state, v.size, v.hash
		FROM remote_volume v JOIN index_block_link l ON l.block_volume_id = v.id
		WHERE l.index_volume_id = ? ORDER BY v.id`, indexVolumeID)
}
