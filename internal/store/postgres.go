package store

import (
	"context"
	"time"

	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresJournal persists trades and signals through gorm.
type PostgresJournal struct {
	db *gorm.DB
}

func NewPostgresJournal(cfg config.DatabaseConfig) (*PostgresJournal, error) {
	if cfg.DSN == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "database dsn is empty", nil)
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrTransient, "postgres connect failed", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&TradeRecord{}, &SignalRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrTransient, "journal migration failed", err)
	}
	return &PostgresJournal{db: db}, nil
}

func (j *PostgresJournal) RecordTrade(ctx context.Context, rec TradeRecord) error {
	return j.db.WithContext(ctx).Create(&rec).Error
}

func (j *PostgresJournal) RecordSignal(ctx context.Context, rec SignalRecord) error {
	return j.db.WithContext(ctx).Create(&rec).Error
}

// TradesSince returns journaled trades at or after since, oldest first.
func (j *PostgresJournal) TradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	var out []TradeRecord
	err := j.db.WithContext(ctx).
		Where("at >= ?", since).
		Order("at asc").
		Limit(1000).
		Find(&out).Error
	return out, err
}

// Cleanup drops journal rows older than the retention window.
func (j *PostgresJournal) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	if err := j.db.WithContext(ctx).Where("at < ?", cutoff).Delete(&TradeRecord{}).Error; err != nil {
		return err
	}
	return j.db.WithContext(ctx).Where("at < ?", cutoff).Delete(&SignalRecord{}).Error
}
