package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type cacheVersion struct {
	Name      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (cacheVersion) TableName() string { return "offline_cache_versions" }

type cacheEntry struct {
	Version    string `gorm:"primaryKey"`
	Key        string `gorm:"primaryKey"`
	StatusCode int
	Header     string // json encoded http.Header
	Body       []byte
	StoredAt   time.Time
}

func (cacheEntry) TableName() string { return "offline_cache_entries" }

// SQLStorage keeps cache versions in a database through gorm.
type SQLStorage struct {
	db *gorm.DB
}

// OpenSQL connects with driver "sqlite" (dsn is a file path or ":memory:")
// or "postgres", and migrates the cache tables.
func OpenSQL(driver, dsn string) (*SQLStorage, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", driver, err)
	}
	if driver == "sqlite" {
		// single writer, and ":memory:" is per connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStorage(db)
}

func NewSQLStorage(db *gorm.DB) (*SQLStorage, error) {
	if err := db.AutoMigrate(&cacheVersion{}, &cacheEntry{}); err != nil {
		return nil, fmt.Errorf("migrate cache tables: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

func (s *SQLStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validVersion(name); err != nil {
		return nil, err
	}
	v := cacheVersion{Name: name, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&v).Error; err != nil {
		return nil, err
	}
	return &sqlCache{db: s.db, name: name}, nil
}

func (s *SQLStorage) Keys(ctx context.Context) ([]string, error) {
	names := []string{}
	err := s.db.WithContext(ctx).Model(&cacheVersion{}).Order("name").Pluck("name", &names).Error
	return names, err
}

func (s *SQLStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&cacheVersion{}).Where("name = ?", name).Count(&n).Error
	return n > 0, err
}

func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("version = ?", name).Delete(&cacheEntry{}).Error; err != nil {
			return err
		}
		res := tx.Where("name = ?", name).Delete(&cacheVersion{})
		deleted = res.RowsAffected > 0
		return res.Error
	})
	return deleted, err
}

func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlCache struct {
	db   *gorm.DB
	name string
}

func (c *sqlCache) Match(ctx context.Context, key string) (*Entry, bool, error) {
	var row cacheEntry
	err := c.db.WithContext(ctx).Where("version = ? AND key = ?", c.name, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e := &Entry{Key: row.Key, StatusCode: row.StatusCode, Body: row.Body, StoredAt: row.StoredAt}
	if row.Header != "" {
		if err := json.Unmarshal([]byte(row.Header), &e.Header); err != nil {
			return nil, false, fmt.Errorf("decode cached header: %w", err)
		}
	}
	return e, true, nil
}

func (c *sqlCache) Put(ctx context.Context, e *Entry) error {
	h, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	row := cacheEntry{
		Version:    c.name,
		Key:        e.Key,
		StatusCode: e.StatusCode,
		Header:     string(h),
		Body:       e.Body,
		StoredAt:   e.StoredAt,
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the version may have been pruned since Open
		v := cacheVersion{Name: c.name, CreatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&v).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}
