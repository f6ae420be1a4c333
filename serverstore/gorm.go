package serverstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/seedguard/interfaces"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type GormConfig struct {
	Driver Driver
	DSN    string
	LogSQL bool
}

type accountRow struct {
	ID        string `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

func (accountRow) TableName() string { return "account" }

type indexRow struct {
	LookupKey string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
}

func (indexRow) TableName() string { return "account_index" }

// GormStore persists accounts in sqlite or postgres.
type GormStore struct {
	db  *gorm.DB
	log *slog.Logger

	// sqlite has no row locks; updates are serialized in process instead.
	mu sync.Mutex
}

func openGorm(cfg GormConfig) (*gorm.DB, error) {
	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	gormCfg := &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
	}
	switch cfg.Driver {
	case DriverSQLite:
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	case DriverPostgres:
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", interfaces.ErrValidation, cfg.Driver)
	}
}

func NewGormStore(cfg GormConfig, log *slog.Logger) (*GormStore, error) {
	db, err := openGorm(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(&accountRow{}, &indexRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	log.Info("Opened account store", slog.String("driver", string(cfg.Driver)))
	return &GormStore{db: db, log: log}, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return decodeAccount(row.Data)
}

func (s *GormStore) Update(ctx context.Context, id string, fn func(*Account) error) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row accountRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		account := &Account{ID: id, CreatedAt: time.Now().UTC()}
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row.ID = id
		case err != nil:
			return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
		default:
			if account, err = decodeAccount(row.Data); err != nil {
				return err
			}
		}

		if err := fn(account); err != nil {
			return err
		}
		if row.Data, err = encodeAccount(account); err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
		}
		updated = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *GormStore) PutIndex(ctx context.Context, key, accountID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lookup_key"}},
			DoUpdates: clause.Assignments(map[string]any{"account_id": accountID}),
		}).
		Create(&indexRow{LookupKey: key, AccountID: accountID}).Error
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func (s *GormStore) LookupIndex(ctx context.Context, key string) (string, error) {
	var row indexRow
	err := s.db.WithContext(ctx).First(&row, "lookup_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", interfaces.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return row.AccountID, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
