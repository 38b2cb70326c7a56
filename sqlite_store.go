package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history (
	instance_id TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	event       TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (instance_id, seq)
);`

// SQLiteHistoryStore persists instance histories in a SQLite database, one
// row per event keyed by (instance_id, seq). The primary key makes each
// append atomic per instance: two racing appends for the same instance cannot
// both claim the same sequence number.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// OpenSQLiteHistoryStore opens (creating if needed) a SQLite-backed history
// store at the given path.
func OpenSQLiteHistoryStore(path string) (*SQLiteHistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history db path is required")
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	return &SQLiteHistoryStore{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteHistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append adds one event to the end of the instance's history.
func (s *SQLiteHistoryStore) Append(ctx context.Context, instanceID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE instance_id = ?`, instanceID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (instance_id, seq, event, created_at) VALUES (?, ?, ?, ?)`,
		instanceID, seq, string(data), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// Load retrieves the instance's full history in append order.
func (s *SQLiteHistoryStore) Load(ctx context.Context, instanceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM history WHERE instance_id = ? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return events, nil
}

// Instances implements the InstanceLister interface for SQLiteHistoryStore.
func (s *SQLiteHistoryStore) Instances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT instance_id FROM history ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return ids, nil
}
