package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("cache key is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists cache entries as single-row documents. Writes are single-row
// upserts, so a reader never observes data without its matching
// last_update/version.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates dependencies and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("cache.store.new: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get returns the entry stored under key, or nil when no entry exists.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, fmt.Errorf("cache.get: %w", errMissingKey)
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache.get %q: %w", key, err)
	}
	return &entry, nil
}

// Upsert writes the entry in one statement, replacing last_update, version
// and data when a row for the key already exists. An omitted version is
// written as the empty string.
func (s *Store) Upsert(ctx context.Context, entry Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache.upsert: %w", errMissingKey)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_update", "version", "data"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("cache.upsert %q: %w", entry.Key, err)
	}
	return nil
}

// Delete removes the entry stored under key. Deleting an absent key is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("cache.delete: %w", errMissingKey)
	}
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("cache.delete %q: %w", key, err)
	}
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix and
// returns the number of rows deleted. The original store required a full
// collection scan here; a LIKE over the primary key preserves the observable
// behavior without one.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, fmt.Errorf("cache.delete_by_prefix: %w", errMissingKey)
	}
	result := s.db.WithContext(ctx).
		Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("cache.delete_by_prefix %q: %w", prefix, result.Error)
	}
	s.logger.Debug("cache entries invalidated",
		zap.String("prefix", prefix),
		zap.Int64("deleted", result.RowsAffected))
	return result.RowsAffected, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
