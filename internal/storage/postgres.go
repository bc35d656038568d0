package storage

import (
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/proxy-watch/internal/snapshot"
)

type snapshotRecord struct {
	Name      string `gorm:"primary_key;column:name"`
	Data      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (snapshotRecord) TableName() string {
	return "snapshots"
}

// PostgresStorage keeps the snapshot as one row keyed by name
type PostgresStorage struct {
	db  *gorm.DB
	key string
}

func NewPostgresStorage(dsn, key string) (*PostgresStorage, error) {
	return newGormStorage("postgres", dsn, key)
}

func newGormStorage(dialect, dsn, key string) (*PostgresStorage, error) {
	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&snapshotRecord{}).Error; err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresStorage{db: db, key: key}, nil
}

func (p *PostgresStorage) Save(snap *snapshot.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return saveErr(err)
	}

	record := snapshotRecord{
		Name:      p.key,
		Data:      string(data),
		UpdatedAt: time.Now(),
	}
	if err := p.db.Save(&record).Error; err != nil {
		return saveErr(fmt.Errorf("upsert snapshot: %w", err))
	}

	return nil
}

func (p *PostgresStorage) Load() (*snapshot.Snapshot, error) {
	var record snapshotRecord
	err := p.db.Where("name = ?", p.key).First(&record).Error
	if err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return snapshot.New(), nil
		}
		return nil, loadErr(fmt.Errorf("query snapshot: %w", err))
	}

	snap, err := decode([]byte(record.Data))
	if err != nil {
		return nil, loadErr(err)
	}
	return snap, nil
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
