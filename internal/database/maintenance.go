package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"dup-go/internal/model"
)

// Blocks referenced by a blockset or used as a blocklist.
const referencedBlock = `(
	EXISTS (SELECT 1 FROM blockset_entry be WHERE be.block_id = block.id)
	OR EXISTS (SELECT 1 FROM blocklist_hash bh WHERE bh.hash = block.hash)
)`

func (t *sqliteTx) PurgeUnreferenced(ctx context.Context) error {
	steps := []struct{ what, query string }{
		{"file records", `DELETE FROM file_lookup WHERE id NOT IN (SELECT file_id FROM fileset_entry)`},
		{"metadata", `DELETE FROM metadataset WHERE id NOT IN
			(SELECT metadata_id FROM file_lookup WHERE metadata_id IS NOT NULL)`},
		{"blocksets", `DELETE FROM blockset WHERE id NOT IN (SELECT blockset_id FROM file_lookup)
			AND id NOT IN (SELECT blockset_id FROM metadataset)`},
		{"wasted blocks", `INSERT INTO deleted_block (hash, size, volume_id)
			SELECT hash, size, volume_id FROM block WHERE volume_id > 0 AND NOT ` + referencedBlock},
		{"blocks", `DELETE FROM block WHERE NOT ` + referencedBlock},
	}
	for _, s := range steps {
		if _, err := t.tx.ExecContext(ctx, s.query); err != nil {
			return fmt.Errorf("purging %s: %w", s.what, err)
		}
	}
	return nil
}

func (t *sqliteTx) VolumeUsage(ctx context.Context) ([]model.VolumeUsage, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT v.id, v.name, v.state, v.size,
			(SELECT count(*) FROM block b WHERE b.volume_id = v.id),
			(SELECT COALESCE(SUM(b.size), 0) FROM block b WHERE b.volume_id = v.id),
			(SELECT count(*) FROM deleted_block d WHERE d.volume_id = v.id),
			(SELECT COALESCE(SUM(d.size), 0) FROM deleted_block d WHERE d.volume_id = v.id)
		FROM remote_volume v
		WHERE v.type = ? AND v.state IN (?, ?)
		ORDER BY v.id`, string(model.VolumeBlocks), string(model.StateUploaded), string(model.StateVerified))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.VolumeUsage
	for rows.Next() {
		var u model.VolumeUsage
		var state string
		if err := rows.Scan(&u.VolumeID, &u.Name, &state, &u.Size,
			&u.ActiveBlocks, &u.ActiveSize, &u.WastedBlocks, &u.WastedSize); err != nil {
			return nil, err
		}
		u.State = model.VolumeState(state)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *sqliteTx) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (t *sqliteTx) VerifyConsistency(ctx context.Context, blocksize int64, hashesPerBlocklist int) error {
	checks := []struct {
		what  string
		query string
		args  []any
	}{
		{
			"blocksets whose blocks do not add up to their length",
			`SELECT count(*) FROM blockset bs WHERE bs.length !=
				(SELECT COALESCE(SUM(b.size), 0) FROM blockset_entry be JOIN block b ON b.id = be.block_id
				 WHERE be.blockset_id = bs.id)`,
			nil,
		},
		{
			"blocks other than the last of a blockset that are not full",
			`SELECT count(*) FROM blockset_entry be JOIN block b ON b.id = be.block_id
			 WHERE b.size != ? AND be.idx <
				(SELECT max(be2.idx) FROM blockset_entry be2 WHERE be2.blockset_id = be.blockset_id)`,
			[]any{blocksize},
		},
		{
			"blocksets with the wrong number of blocklists",
			`SELECT count(*) FROM blockset bs WHERE
				(SELECT count(*) FROM blocklist_hash bh WHERE bh.blockset_id = bs.id) !=
				CASE WHEN (SELECT count(*) FROM blockset_entry be WHERE be.blockset_id = bs.id) <= 1 THEN 0
				ELSE ((SELECT count(*) FROM blockset_entry be WHERE be.blockset_id = bs.id) + ? - 1) / ? END`,
			[]any{hashesPerBlocklist, hashesPerBlocklist},
		},
		{
			"referenced blocks without a live volume",
			`SELECT count(*) FROM block WHERE ` + referencedBlock + `
			 AND NOT EXISTS (SELECT 1 FROM remote_volume v WHERE v.id = block.volume_id AND v.state != ?)`,
			[]any{string(model.StateDeleted)},
		},
		{
			"blocklists without a block",
			`SELECT count(DISTINCT bh.hash) FROM blocklist_hash bh
			 WHERE NOT EXISTS (SELECT 1 FROM block b WHERE b.hash = bh.hash)`,
			nil,
		},
		{
			"file records with an unknown blockset",
			`SELECT count(*) FROM file_lookup fl WHERE fl.blockset_id > 0
			 AND NOT EXISTS (SELECT 1 FROM blockset bs WHERE bs.id = fl.blockset_id)`,
			nil,
		},
		{
			"filesets without a volume",
			`SELECT count(*) FROM fileset f WHERE NOT EXISTS
				(SELECT 1 FROM remote_volume v WHERE v.id = f.volume_id AND v.type = ?)`,
			[]any{string(model.VolumeFiles)},
		},
	}

	var problems []string
	for _, c := range checks {
		n, err := t.count(ctx, c.query, c.args...)
		if err != nil {
			return fmt.Errorf("checking %s: %w", c.what, err)
		}
		if n > 0 {
			problems = append(problems, fmt.Sprintf("%d %s", n, c.what))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("database is inconsistent: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ObfuscatePaths replaces every path component with a numbered token,
// keeping the extension. Log details may quote paths and are dropped.
func (t *sqliteTx) ObfuscatePaths(ctx context.Context) error {
	rows, err := t.tx.QueryContext(ctx, "SELECT id, path FROM file_lookup")
	if err != nil {
		return err
	}
	paths := make(map[int64]string)
	for rows.Next() {
		var id int64
		var p string
		if err := rows.Scan(&id, &p); err != nil {
			rows.Close()
			return err
		}
		paths[id] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tokens := make(map[string]string)
	token := func(component string) string {
		if component == "" {
			return ""
		}
		if tok, ok := tokens[component]; ok {
			return tok
		}
		tok := "p" + strconv.Itoa(len(tokens)+1) + filepath.Ext(component)
		tokens[component] = tok
		return tok
	}
	for id, p := range paths {
		parts := strings.Split(p, string(filepath.Separator))
		for i, part := range parts {
			parts[i] = token(part)
		}
		if _, err := t.tx.ExecContext(ctx, "UPDATE file_lookup SET path = ? WHERE id = ?",
			strings.Join(parts, string(filepath.Separator)), id); err != nil {
			return err
		}
	}
	if _, err := t.tx.ExecContext(ctx, "UPDATE log_data SET detail = ''"); err != nil {
		return err
	}
	return nil
}
