package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type favoriteRow struct {
	ID        string `gorm:"type:varchar(64);primaryKey"`
	Data      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (favoriteRow) TableName() string { return "favorites" }

// OpenSQLite opens (or creates) the favorites database and applies PRAGMAs.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return db, nil
}

// SQLStore keeps favorites in a `favorites` table, one JSON row per record.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the favorites table and returns a store over it.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&favoriteRow{}); err != nil {
		return nil, fmt.Errorf("migrate favorites: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var row favoriteRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := decodeRow(row)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("favorite record has no %s", IDField)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	row := favoriteRow{ID: id, Data: string(b), UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&favoriteRow{}).Error
}

func (s *SQLStore) All(ctx context.Context) ([]Record, error) {
	var rows []favoriteRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRow(row favoriteRow) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(row.Data), &rec); err != nil {
		return nil, fmt.Errorf("decode favorite %s: %w", row.ID, err)
	}
	return rec, nil
}
