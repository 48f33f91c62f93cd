package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore archives chain entries to a local SQLite database for
// retention beyond process lifetime. Archiving is idempotent by sequence
// number, so periodic re-archiving of the full chain is safe.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the archive at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence INTEGER PRIMARY KEY,
        event_id TEXT NOT NULL,
        actor TEXT,
        event_type TEXT,
        action TEXT,
        resource TEXT,
        decision TEXT,
        timestamp DATETIME,
        metadata JSON,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Archive inserts the entries, skipping sequences already present.
func (s *SQLiteStore) Archive(ctx context.Context, entries []*ChainEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO audit_entries (
        sequence, event_id, actor, event_type, action, resource, decision,
        timestamp, metadata, previous_hash, entry_hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		metaJSON, _ := json.Marshal(e.Event.Metadata)
		_, err := stmt.ExecContext(ctx,
			e.Sequence,
			e.Event.ID,
			e.Event.Actor,
			string(e.Event.Type),
			e.Event.Action,
			e.Event.Resource,
			e.Event.Decision,
			e.Event.Timestamp.UTC().Format(time.RFC3339Nano),
			string(metaJSON),
			e.PreviousHash,
			e.EntryHash,
		)
		if err != nil {
			return fmt.Errorf("audit: archive entry %d: %w", e.Sequence, err)
		}
	}
	return tx.Commit()
}

// List returns archived entries in sequence order, up to limit.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*ChainEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT sequence, event_id, actor, event_type, action, resource,
               decision, timestamp, metadata, previous_hash, entry_hash
        FROM audit_entries
        ORDER BY sequence ASC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*ChainEntry
	for rows.Next() {
		var (
			e        ChainEntry
			ts, meta string
		)
		if err := rows.Scan(&e.Sequence, &e.Event.ID, &e.Event.Actor, &e.Event.Type,
			&e.Event.Action, &e.Event.Resource, &e.Event.Decision, &ts, &meta,
			&e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		if e.Event.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("audit: bad timestamp on entry %d: %w", e.Sequence, err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Event.Metadata); err != nil {
				return nil, fmt.Errorf("audit: bad metadata on entry %d: %w", e.Sequence, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count reports the number of archived entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
