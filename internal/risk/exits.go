package risk

import (
	"fmt"
	"time"

	"github.com/kospibot/daytrader/internal/config"
)

// ExitParams is the protective-threshold set carried by each position,
// chosen by its originating strategy.
type ExitParams struct {
	StopLossPct        float64
	TakeProfitPct      float64
	MinHolding         time.Duration
	TrailingTriggerPct float64
	TrailingGapPct     float64
	EmergencyPct       float64
}

func exitParamsFrom(cfg config.ExitConfig) ExitParams {
	return ExitParams{
		StopLossPct:        cfg.StopLossPct,
		TakeProfitPct:      cfg.TakeProfitPct,
		MinHolding:         time.Duration(cfg.MinHoldingMinutes) * time.Minute,
		TrailingTriggerPct: cfg.TrailingTriggerPct,
		TrailingGapPct:     cfg.TrailingGapPct,
		EmergencyPct:       cfg.EmergencyPct,
	}
}

// ExitReason identifies which protective rule fired.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitTimeLimit  ExitReason = "time_limit"
	ExitTrailing   ExitReason = "trailing_stop"
	ExitEmergency  ExitReason = "emergency"
)

// evaluateExit checks the protective rules in fixed priority order and
// returns the first that fires. profitPct is the current return vs entry,
// maxProfitPct the best return seen since entry.
func evaluateExit(params ExitParams, profitPct, maxProfitPct float64, holding time.Duration) (ExitReason, string, bool) {
	// (a) hard stop-loss
	if profitPct <= params.StopLossPct {
		return ExitStopLoss, fmt.Sprintf("stop loss hit (%.2f%% <= %.2f%%)", profitPct, params.StopLossPct), true
	}
	// (b) hard take-profit
	if profitPct >= params.TakeProfitPct {
		return ExitTakeProfit, fmt.Sprintf("take profit hit (%.2f%% >= %.2f%%)", profitPct, params.TakeProfitPct), true
	}
	// (c) time-based exit: held well past the strategy's horizon with the
	// minimum profit banked
	if profitPct > 0 && params.MinHolding > 0 && holding >= time.Duration(2.5*float64(params.MinHolding)) {
		return ExitTimeLimit, fmt.Sprintf("time exit after %s (%.2f%%)", holding.Round(time.Minute), profitPct), true
	}
	// (d) trailing stop: armed after the trigger profit, fires on retracement
	// from the post-trigger peak
	if maxProfitPct >= params.TrailingTriggerPct && holding >= params.MinHolding {
		if profitPct <= maxProfitPct-params.TrailingGapPct {
			return ExitTrailing, fmt.Sprintf("trailing stop (peak %.2f%% -> %.2f%%)", maxProfitPct, profitPct), true
		}
	}
	// (e) emergency: sharp adverse move regardless of hold time
	if profitPct <= params.EmergencyPct {
		return ExitEmergency, fmt.Sprintf("emergency exit (%.2f%%)", profitPct), true
	}
	return "", "", false
}
