package pipeline

import (
	"time"

	"github.com/kospibot/daytrader/internal/strategy"
	"github.com/shopspring/decimal"
)

// Signal is one candidate trade produced by analysis or by the risk
// manager's exit evaluation. Immutable once created.
type Signal struct {
	Code        string
	Strategy    string // leading strategy, or exit origin for sells
	Direction   strategy.Direction
	Strength    float64
	Score       float64 // ensemble score used for queue ordering
	Price       decimal.Decimal
	Reason      string
	Exit        bool // true when emitted by position protection
	GeneratedAt time.Time
}

// Expired reports whether the signal is older than maxAge at now.
func (s *Signal) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.GeneratedAt) > maxAge
}
