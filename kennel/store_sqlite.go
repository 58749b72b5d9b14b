// ABOUTME: SQLite persistence for the warm-cache snapshot, pending ops, and cursor.
// ABOUTME: Cold starts restore the last checkpoint instead of refetching everything.
package kennel

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists the versioned snapshot, the pending-operation ledger, and
// sync state locally.
type Store struct {
	db *sql.DB
}

// OpenStore opens/creates a SQLite database and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS entities (
  entity_id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  version INTEGER NOT NULL,
  stamp_at INTEGER NOT NULL,
  stamp_role INTEGER NOT NULL,
  dirty INTEGER NOT NULL DEFAULT 0,
  body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_ops (
  key TEXT PRIMARY KEY,
  entity_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  fields TEXT NOT NULL,
  record_ids TEXT NOT NULL,
  base_version INTEGER NOT NULL,
  submitted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

// SaveSnapshot checkpoints the cache's current snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, c *VersionedCache) error {
	entries, generation := c.export()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO entities(entity_id, kind, version, stamp_at, stamp_role, dirty, body)
VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for id, e := range entries {
		kind, body, err := encodeEntity(e.Entity)
		if err != nil {
			return err
		}
		dirty := 0
		if e.Dirty {
			dirty = 1
		}
		if _, err := stmt.ExecContext(ctx, id, string(kind), e.Version,
			e.Stamp.At.UnixNano(), int(e.Stamp.Role), dirty, string(body)); err != nil {
			return err
		}
	}

	if err := setStateTx(ctx, tx, "generation", strconv.FormatInt(generation, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSnapshot restores a checkpoint into the cache. An empty store leaves
// the cache empty.
func (s *Store) LoadSnapshot(ctx context.Context, c *VersionedCache) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT entity_id, kind, version, stamp_at, stamp_role, dirty, body FROM entities`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make(map[string]CacheEntry)
	for rows.Next() {
		var (
			id, kind, body   string
			version, stampAt int64
			role, dirty      int
		)
		if err := rows.Scan(&id, &kind, &version, &stampAt, &role, &dirty, &body); err != nil {
			return err
		}
		ent, err := decodeEntity(EntityKind(kind), json.RawMessage(body))
		if err != nil {
			return err
		}
		entries[id] = CacheEntry{
			Entity:  ent,
			Version: version,
			Stamp:   RevisionStamp{At: time.Unix(0, stampAt).UTC(), Role: ActorRole(role)},
			Dirty:   dirty != 0,
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	genStr, err := s.GetState(ctx, "generation", "0")
	if err != nil {
		return err
	}
	generation, _ := strconv.ParseInt(genStr, 10, 64)
	c.restoreEntries(entries, generation)
	return nil
}

// SavePendingOps replaces the persisted ledger contents.
func (s *Store) SavePendingOps(ctx context.Context, ops []PendingOperation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ops`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO pending_ops(key, entity_id, kind, fields, record_ids, base_version, submitted_at)
VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, op := range ops {
		fields, err := json.Marshal(op.Fields)
		if err != nil {
			return err
		}
		recordIDs, err := json.Marshal(op.RecordIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, op.Key, op.EntityID, string(op.Kind),
			string(fields), string(recordIDs), op.BaseVersion, op.SubmittedAt.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadPendingOps rebuilds the ledger contents from the last checkpoint.
func (s *Store) LoadPendingOps(ctx context.Context, l *Ledger) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, entity_id, kind, fields, record_ids, base_version, submitted_at
FROM pending_ops ORDER BY submitted_at ASC`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			op                      PendingOperation
			kind, fields, recordIDs string
			submittedAt             int64
		)
		if err := rows.Scan(&op.Key, &op.EntityID, &kind, &fields, &recordIDs, &op.BaseVersion, &submittedAt); err != nil {
			return err
		}
		op.Kind = EntityKind(kind)
		if err := json.Unmarshal([]byte(fields), &op.Fields); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(recordIDs), &op.RecordIDs); err != nil {
			return err
		}
		op.SubmittedAt = time.Unix(0, submittedAt).UTC()
		l.Record(op)
	}
	return rows.Err()
}

// SaveCursor persists the sync cursor.
func (s *Store) SaveCursor(ctx context.Context, cur Cursor) error {
	return s.SetState(ctx, "cursor", string(cur))
}

// LoadCursor returns the persisted cursor, empty when never synced.
func (s *Store) LoadCursor(ctx context.Context) (Cursor, error) {
	v, err := s.GetState(ctx, "cursor", "")
	return Cursor(v), err
}

// GetState fetches sync metadata with default fallback.
func (s *Store) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	return v, err
}

// SetState updates sync metadata.
func (s *Store) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}

func setStateTx(ctx context.Context, tx *sql.Tx, key, val string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sync_state(k,v) VALUES(?,?)
ON CONFLICT(k) DO UPDATE SET v=excluded.v`, key, val)
	return err
}
