package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped when the tables below change incompatibly.
const schemaVersion = 1

// SQLiteStore persists tier contents, counters and the knowledge pool.
// In-progress flags are never written.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entity_state (
			entity_id INTEGER PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			unconsolidated_recent INTEGER NOT NULL DEFAULT 0,
			unconsolidated_mid INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			entity_id INTEGER NOT NULL,
			tier INTEGER NOT NULL,
			position INTEGER NOT NULL,
			summary TEXT NOT NULL,
			keywords_json TEXT NOT NULL DEFAULT '[]',
			importance INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_entity_idx ON memory_records(entity_id, tier, position);`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			summary TEXT NOT NULL,
			keywords_json TEXT NOT NULL DEFAULT '[]',
			importance INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		ON CONFLICT(key) DO NOTHING`, fmt.Sprint(schemaVersion))
	return err
}

// Snapshot is everything SaveSnapshot writes.
type Snapshot struct {
	Entities  []EntitySnapshot
	Knowledge []Record
}

// SaveSnapshot replaces the stored state in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM memory_records`,
		`DELETE FROM entity_state`,
		`DELETE FROM knowledge`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}

	entityStmt, err := tx.PrepareContext(ctx, `INSERT INTO entity_state(entity_id, label, unconsolidated_recent, unconsolidated_mid) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer entityStmt.Close()

	recordStmt, err := tx.PrepareContext(ctx, `INSERT INTO memory_records(id, entity_id, tier, position, summary, keywords_json, importance, access_count, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer recordStmt.Close()

	for _, ent := range snap.Entities {
		if _, err := entityStmt.ExecContext(ctx, int64(ent.Entity), ent.Label, ent.UnconsolidatedRecent, ent.UnconsolidatedMid); err != nil {
			return fmt.Errorf("save entity %d: %w", ent.Entity, err)
		}
		for tier, records := range map[Tier][]Record{TierRecent: ent.Recent, TierMid: ent.Mid, TierLong: ent.Long} {
			for pos, rec := range records {
				kw, _ := json.Marshal(nonNilStrings(rec.Keywords))
				if _, err := recordStmt.ExecContext(ctx, rec.ID.String(), int64(ent.Entity), int(tier), pos,
					rec.Summary, string(kw), rec.Importance, rec.AccessCount, rec.CreatedAt); err != nil {
					return fmt.Errorf("save record %s: %w", rec.ID, err)
				}
			}
		}
	}

	knowledgeStmt, err := tx.PrepareContext(ctx, `INSERT INTO knowledge(id, position, summary, keywords_json, importance, access_count, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer knowledgeStmt.Close()
	for pos, rec := range snap.Knowledge {
		kw, _ := json.Marshal(nonNilStrings(rec.Keywords))
		if _, err := knowledgeStmt.ExecContext(ctx, rec.ID.String(), pos, rec.Summary, string(kw),
			rec.Importance, rec.AccessCount, rec.CreatedAt); err != nil {
			return fmt.Errorf("save knowledge %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads the stored state. An empty database yields an empty
// snapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, label, unconsolidated_recent, unconsolidated_mid FROM entity_state ORDER BY entity_id`)
	if err != nil {
		return snap, err
	}
	index := map[EntityID]int{}
	for rows.Next() {
		var ent EntitySnapshot
		var id int64
		if err := rows.Scan(&id, &ent.Label, &ent.UnconsolidatedRecent, &ent.UnconsolidatedMid); err != nil {
			rows.Close()
			return snap, err
		}
		ent.Entity = EntityID(id)
		index[ent.Entity] = len(snap.Entities)
		snap.Entities = append(snap.Entities, ent)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snap, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, entity_id, tier, summary, keywords_json, importance, access_count, created_at
		FROM memory_records ORDER BY entity_id, tier, position`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var (
			rawID, kw string
			entity    int64
			tier      int
			rec       Record
		)
		if err := rows.Scan(&rawID, &entity, &tier, &rec.Summary, &kw, &rec.Importance, &rec.AccessCount, &rec.CreatedAt); err != nil {
			rows.Close()
			return snap, err
		}
		if rec.ID, err = uuid.Parse(rawID); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(kw), &rec.Keywords)
		i, ok := index[EntityID(entity)]
		if !ok {
			i = len(snap.Entities)
			index[EntityID(entity)] = i
			snap.Entities = append(snap.Entities, EntitySnapshot{Entity: EntityID(entity)})
		}
		ent := &snap.Entities[i]
		switch Tier(tier) {
		case TierRecent:
			ent.Recent = append(ent.Recent, rec)
		case TierMid:
			ent.Mid = append(ent.Mid, rec)
		case TierLong:
			ent.Long = append(ent.Long, rec)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snap, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, summary, keywords_json, importance, access_count, created_at FROM knowledge ORDER BY position`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var rawID, kw string
		var rec Record
		if err := rows.Scan(&rawID, &rec.Summary, &kw, &rec.Importance, &rec.AccessCount, &rec.CreatedAt); err != nil {
			return snap, err
		}
		if rec.ID, err = uuid.Parse(rawID); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(kw), &rec.Keywords)
		snap.Knowledge = append(snap.Knowledge, rec)
	}
	return snap, rows.Err()
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
