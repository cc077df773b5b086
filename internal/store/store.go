// Package store persists the trade journal (postgres) and the day's usage
// counters (redis). Both are optional at runtime; callers get no-op or
// in-memory fallbacks when the backends are not configured.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one journaled order event: submission, fill, or cancel.
type TradeRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	OrderID    string          `gorm:"index"`
	Code       string          `gorm:"index"`
	Side       string
	Quantity   int64
	Price      decimal.Decimal `gorm:"type:numeric(20,4)"`
	Strategy   string
	Status     string
	ExitReason string
	Realized   decimal.Decimal `gorm:"type:numeric(20,4)"`
	At         time.Time       `gorm:"index"`
}

func (TradeRecord) TableName() string { return "trades" }

// SignalRecord is one analysis signal kept for after-hours review.
type SignalRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Code      string          `gorm:"index"`
	Strategy  string
	Direction string
	Score     float64
	Price     decimal.Decimal `gorm:"type:numeric(20,4)"`
	Executed  bool
	At        time.Time `gorm:"index"`
}

func (SignalRecord) TableName() string { return "signals" }

// Journal is the trade/signal persistence surface used by the executor and
// the status handlers.
type Journal interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
	RecordSignal(ctx context.Context, rec SignalRecord) error
	TradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
}

// NopJournal drops everything; used when postgres is not configured.
type NopJournal struct{}

func (NopJournal) RecordTrade(context.Context, TradeRecord) error   { return nil }
func (NopJournal) RecordSignal(context.Context, SignalRecord) error { return nil }
func (NopJournal) TradesSince(context.Context, time.Time) ([]TradeRecord, error) {
	return nil, nil
}
