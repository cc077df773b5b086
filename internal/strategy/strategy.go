// Package strategy holds the closed set of signal strategies and the
// ensemble combiner that merges their verdicts under profile weights.
package strategy

import (
	"github.com/kospibot/daytrader/internal/broker"
)

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Verdict is one strategy's scored opinion on an instrument. Strength is in
// (0,1]; a nil verdict means no opinion this cycle.
type Verdict struct {
	Direction Direction
	Strength  float64
}

// Strategy evaluates the latest snapshot (and optionally recent daily
// candles) into a directional verdict.
type Strategy interface {
	Name() string
	Evaluate(quote broker.Quote, history []broker.Candle) *Verdict
}

// Build returns the strategy implementation for a configured name. Unknown
// names fall back to momentum, the least selective variant.
func Build(name string) Strategy {
	switch name {
	case "gap_trading":
		return &GapTrading{}
	case "volume_breakout":
		return &VolumeBreakout{}
	case "momentum":
		return &Momentum{}
	default:
		return &Momentum{}
	}
}

func clampStrength(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
