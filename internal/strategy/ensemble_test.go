package strategy

import (
	"testing"
	"time"

	"github.com/kospibot/daytrader/internal/broker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(changeRate float64, volume int64) broker.Quote {
	return broker.Quote{
		Code:       "005930",
		Price:      decimal.NewFromInt(70000),
		ChangeRate: changeRate,
		Volume:     volume,
		Timestamp:  time.Now(),
	}
}

func flatHistory(days int, dailyVolume int64) []broker.Candle {
	candles := make([]broker.Candle, days)
	for i := range candles {
		candles[i] = broker.Candle{Volume: dailyVolume}
	}
	return candles
}

func TestGapTradingThresholds(t *testing.T) {
	s := &GapTrading{}

	v := s.Evaluate(snapshot(2.5, 0), nil)
	require.NotNil(t, v)
	assert.Equal(t, DirectionBuy, v.Direction)

	v = s.Evaluate(snapshot(1.2, 0), nil)
	require.NotNil(t, v)
	assert.Equal(t, DirectionBuy, v.Direction)

	v = s.Evaluate(snapshot(-2.4, 0), nil)
	require.NotNil(t, v)
	assert.Equal(t, DirectionSell, v.Direction)

	assert.Nil(t, s.Evaluate(snapshot(0.5, 0), nil))
	assert.Nil(t, s.Evaluate(snapshot(-1.0, 0), nil))
}

func TestVolumeBreakoutNeedsVolumeConfirmation(t *testing.T) {
	s := &VolumeBreakout{}
	history := flatHistory(20, 1_000_000)

	// price move with volume at 3x the average
	v := s.Evaluate(snapshot(1.5, 3_000_000), history)
	require.NotNil(t, v)
	assert.Equal(t, DirectionBuy, v.Direction)

	// same price move on average volume: no opinion
	assert.Nil(t, s.Evaluate(snapshot(1.5, 1_000_000), history))

	// breakdown with heavy volume
	v = s.Evaluate(snapshot(-2.0, 2_500_000), history)
	require.NotNil(t, v)
	assert.Equal(t, DirectionSell, v.Direction)
}

func TestVolumeBreakoutNoHistoryAssumesNeutral(t *testing.T) {
	s := &VolumeBreakout{}
	// neutral ratio 1.0 never satisfies the 2x confirmation
	assert.Nil(t, s.Evaluate(snapshot(1.5, 5_000_000), nil))
}

func TestMomentumSymmetry(t *testing.T) {
	s := &Momentum{}

	buy := s.Evaluate(snapshot(1.2, 0), nil)
	require.NotNil(t, buy)
	assert.Equal(t, DirectionBuy, buy.Direction)

	sell := s.Evaluate(snapshot(-1.2, 0), nil)
	require.NotNil(t, sell)
	assert.Equal(t, DirectionSell, sell.Direction)
	assert.InDelta(t, buy.Strength, sell.Strength, 0.001)

	assert.Nil(t, s.Evaluate(snapshot(0.3, 0), nil))
}

func TestBuildFallsBackToMomentum(t *testing.T) {
	assert.Equal(t, "gap_trading", Build("gap_trading").Name())
	assert.Equal(t, "momentum", Build("something_else").Name())
}

func TestCombineWeightsAndAgreement(t *testing.T) {
	verdicts := map[string]*Verdict{
		"volume_breakout": {Direction: DirectionBuy, Strength: 0.8},
		"momentum":        {Direction: DirectionBuy, Strength: 0.6},
	}
	weights := map[string]float64{"volume_breakout": 0.7, "momentum": 0.3}

	out := Combine(verdicts, weights)
	require.NotNil(t, out)
	assert.Equal(t, DirectionBuy, out.Direction)
	assert.Equal(t, 2, out.Agreement)
	assert.Equal(t, "volume_breakout", out.Leader)
	// (0.7*0.8 + 0.3*0.6) / 1.0
	assert.InDelta(t, 0.74, out.Score, 0.001)
}

func TestCombineDisagreementPicksStrongerSide(t *testing.T) {
	verdicts := map[string]*Verdict{
		"volume_breakout": {Direction: DirectionBuy, Strength: 0.4},
		"momentum":        {Direction: DirectionSell, Strength: 0.9},
	}
	weights := map[string]float64{"volume_breakout": 0.5, "momentum": 0.5}

	out := Combine(verdicts, weights)
	require.NotNil(t, out)
	assert.Equal(t, DirectionSell, out.Direction)
	assert.Equal(t, 1, out.Agreement)
	assert.Equal(t, "momentum", out.Leader)
}

func TestCombineNoOpinions(t *testing.T) {
	weights := map[string]float64{"momentum": 1.0}
	assert.Nil(t, Combine(map[string]*Verdict{"momentum": nil}, weights))
	assert.Nil(t, Combine(nil, map[string]float64{}))
}

func TestCombineNormalizesByConfiguredWeight(t *testing.T) {
	// a lone strategy at weight 0.4 cannot produce a score above 0.4
	verdicts := map[string]*Verdict{"momentum": {Direction: DirectionBuy, Strength: 1.0}}
	weights := map[string]float64{"momentum": 0.4, "volume_breakout": 0.6}

	out := Combine(verdicts, weights)
	require.NotNil(t, out)
	assert.InDelta(t, 0.4, out.Score, 0.001)
}
