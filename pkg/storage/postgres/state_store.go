package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"leaselock/pkg/coordination"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "leaselock_state"

// lockRow is one versioned key.
type lockRow struct {
	LockKey   string `gorm:"primaryKey;type:varchar(255)"`
	Value     []byte `gorm:"not null"`
	Version   int64  `gorm:"not null"`
	Message   string
	UpdatedAt time.Time
}

type PostgresStore struct {
	db    *gorm.DB
	table string

	mu       sync.Mutex
	migrated bool
}

// NewPostgresStore prepares a connection pool without dialing. The state table
// is migrated on first use.
func NewPostgresStore(dsn, table string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Warn),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewPostgresStoreFromDB(db, table), nil
}

// NewPostgresStoreFromDB reuses an open gorm handle.
func NewPostgresStoreFromDB(db *gorm.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: table}
}

// migrate creates the state table once. A failed attempt is retried on the next call.
func (s *PostgresStore) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrated {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&lockRow{}); err != nil {
		return fmt.Errorf("%w: postgres schema migration: %v", coordination.ErrUnavailable, err)
	}
	s.migrated = true
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Fetch is a no-op: every read hits the primary.
func (s *PostgresStore) Fetch(ctx context.Context) error {
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, coordination.Version, error) {
	if err := s.migrate(ctx); err != nil {
		return nil, coordination.NoVersion, err
	}
	var row lockRow
	result := s.db.WithContext(ctx).Table(s.table).First(&row, "lock_key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, coordination.NoVersion, coordination.ErrNotFound
		}
		return nil, coordination.NoVersion, fmt.Errorf("%w: postgres get: %v", coordination.ErrUnavailable, result.Error)
	}
	return row.Value, formatVersion(row.Version), nil
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, key string, expected coordination.Version, value []byte, message string) (coordination.Version, error) {
	if err := s.migrate(ctx); err != nil {
		return coordination.NoVersion, err
	}
	now := time.Now().UTC()

	if expected == coordination.NoVersion {
		row := lockRow{LockKey: key, Value: value, Version: 1, Message: message, UpdatedAt: now}
		result := s.db.WithContext(ctx).Table(s.table).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row)
		if result.Error != nil {
			return coordination.NoVersion, fmt.Errorf("%w: postgres insert: %v", coordination.ErrUnavailable, result.Error)
		}
		if result.RowsAffected == 0 {
			return coordination.NoVersion, coordination.ErrConflict
		}
		return formatVersion(1), nil
	}

	current, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return coordination.NoVersion, fmt.Errorf("invalid postgres version %q: %w", expected, err)
	}

	result := s.db.WithContext(ctx).Table(s.table).
		Where("lock_key = ? AND version = ?", key, current).
		Updates(map[string]interface{}{
			"value":      value,
			"version":    current + 1,
			"message":    message,
			"updated_at": now,
		})
	if result.Error != nil {
		return coordination.NoVersion, fmt.Errorf("%w: postgres update: %v", coordination.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return coordination.NoVersion, coordination.ErrConflict
	}
	return formatVersion(current + 1), nil
}

func formatVersion(v int64) coordination.Version {
	return coordination.Version(strconv.FormatInt(v, 10))
}
