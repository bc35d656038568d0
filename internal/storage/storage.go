package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-watch/internal/config"
	"github.com/proxy-watch/internal/snapshot"
)

// Storage persists the snapshot between runs. Load returns an empty
// snapshot when nothing was saved yet; a stored snapshot that cannot be read
// is an error, never an empty result.
type Storage interface {
	Save(snap *snapshot.Snapshot) error
	Load() (*snapshot.Snapshot, error)
	Close() error
}

// PersistenceError wraps every failure to read or write the snapshot
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func loadErr(err error) error {
	return &PersistenceError{Op: "load", Err: err}
}

func saveErr(err error) error {
	return &PersistenceError{Op: "save", Err: err}
}

func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "file":
		return NewFileStorage(cfg.Path)
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "redis":
		return NewRedisStorage(cfg.Path, cfg.Key)
	case "postgres":
		return NewPostgresStorage(cfg.Path, cfg.Key)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

func encode(snap *snapshot.Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal JSON: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return snap.Normalize(), nil
}

// FileStorage stores the snapshot as a JSON file
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{path: path}, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the previous snapshot, so a failed save leaves the old file intact.
func (f *FileStorage) Save(snap *snapshot.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return saveErr(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return saveErr(fmt.Errorf("create temp file: %w", err))
	}
	tempPath := tmp.Name()
	defer os.Remove(tempPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return saveErr(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return saveErr(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return saveErr(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return saveErr(fmt.Errorf("chmod temp file: %w", err))
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return saveErr(fmt.Errorf("atomic rename: %w", err))
	}

	return nil
}

func (f *FileStorage) Load() (*snapshot.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot.New(), nil
		}
		return nil, loadErr(fmt.Errorf("read file: %w", err))
	}

	snap, err := decode(data)
	if err != nil {
		return nil, loadErr(err)
	}
	return snap, nil
}

func (f *FileStorage) Close() error {
	return nil
}
