package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-watch/internal/snapshot"
)

// sqliteRow is the name of the single row holding the current snapshot
const sqliteRow = "latest"

// SQLiteStorage keeps the snapshot document next to queryable run metadata
// and per-category entry counts.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_state (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		updated_at TIMESTAMP,
		tested INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshot_counts (
		partition_name TEXT NOT NULL,
		category TEXT NOT NULL,
		entries INTEGER NOT NULL,
		PRIMARY KEY (partition_name, category)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snap *snapshot.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return saveErr(err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return saveErr(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT INTO snapshot_state (name, version, updated_at, tested, succeeded, failed, data)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		version = excluded.version,
		updated_at = excluded.updated_at,
		tested = excluded.tested,
		succeeded = excluded.succeeded,
		failed = excluded.failed,
		data = excluded.data`,
		sqliteRow, snap.Version, snap.Updated.UTC(),
		snap.Stats.Tested, snap.Stats.Succeeded, snap.Stats.Failed, string(data))
	if err != nil {
		return saveErr(fmt.Errorf("upsert snapshot: %w", err))
	}

	if _, err := tx.Exec("DELETE FROM snapshot_counts"); err != nil {
		return saveErr(fmt.Errorf("clear counts: %w", err))
	}
	partitions := map[string]map[string][]snapshot.Entry{"new": snap.Recent, "old": snap.Stable}
	for partition, entries := range partitions {
		for category, n := range snapshot.Counts(entries) {
			if _, err := tx.Exec("INSERT INTO snapshot_counts (partition_name, category, entries) VALUES (?, ?, ?)",
				partition, category, n); err != nil {
				return saveErr(fmt.Errorf("insert counts: %w", err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return saveErr(fmt.Errorf("commit transaction: %w", err))
	}

	return nil
}

func (s *SQLiteStorage) Load() (*snapshot.Snapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM snapshot_state WHERE name = ?", sqliteRow).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.New(), nil
		}
		return nil, loadErr(fmt.Errorf("query snapshot: %w", err))
	}

	snap, err := decode([]byte(data))
	if err != nil {
		return nil, loadErr(err)
	}
	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
