package strategy

import (
	"github.com/kospibot/daytrader/internal/broker"
)

// GapTrading chases opening gaps: a strong positive change rate right after
// the open suggests continuation, a collapsing gap suggests exit.
type GapTrading struct{}

func (s *GapTrading) Name() string { return "gap_trading" }

func (s *GapTrading) Evaluate(q broker.Quote, _ []broker.Candle) *Verdict {
	switch {
	case q.ChangeRate > 1.8:
		return &Verdict{Direction: DirectionBuy, Strength: clampStrength(q.ChangeRate / 10.0)}
	case q.ChangeRate >= 1.0:
		return &Verdict{Direction: DirectionBuy, Strength: clampStrength(q.ChangeRate / 12.0)}
	case q.ChangeRate < -2.0:
		return &Verdict{Direction: DirectionSell, Strength: clampStrength(-q.ChangeRate / 10.0)}
	}
	return nil
}

// VolumeBreakout wants price movement confirmed by volume well above the
// recent daily average.
type VolumeBreakout struct{}

func (s *VolumeBreakout) Name() string { return "volume_breakout" }

func (s *VolumeBreakout) Evaluate(q broker.Quote, history []broker.Candle) *Verdict {
	ratio := volumeRatio(q, history)
	switch {
	case q.ChangeRate > 1.2 && ratio >= 2.0:
		return &Verdict{Direction: DirectionBuy, Strength: clampStrength(q.ChangeRate/8.0 + ratio/20.0)}
	case q.ChangeRate >= 0.8 && ratio >= 3.0:
		return &Verdict{Direction: DirectionBuy, Strength: clampStrength(q.ChangeRate/10.0 + ratio/25.0)}
	case q.ChangeRate < -1.5 && ratio >= 2.0:
		return &Verdict{Direction: DirectionSell, Strength: clampStrength(-q.ChangeRate / 8.0)}
	}
	return nil
}

// volumeRatio compares today's volume against the mean of the supplied
// daily candles. Without history it assumes neutral volume.
func volumeRatio(q broker.Quote, history []broker.Candle) float64 {
	if len(history) == 0 {
		return 1.0
	}
	var total int64
	for _, c := range history {
		total += c.Volume
	}
	avg := float64(total) / float64(len(history))
	if avg <= 0 {
		return 1.0
	}
	return float64(q.Volume) / avg
}

// Momentum is the least selective variant: it follows any sustained
// directional change rate.
type Momentum struct{}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Evaluate(q broker.Quote, _ []broker.Candle) *Verdict {
	switch {
	case q.ChangeRate > 0.6:
		return &Verdict{Direction: DirectionBuy, Strength: clampStrength(q.ChangeRate / 6.0)}
	case q.ChangeRate < -0.6:
		return &Verdict{Direction: DirectionSell, Strength: clampStrength(-q.ChangeRate / 6.0)}
	}
	return nil
}
